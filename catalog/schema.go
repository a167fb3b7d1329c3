package catalog

import (
	"strings"
)

const (
	TypeNumber    = "NUMBER"
	TypeTimestamp = "TIMESTAMP"
	TypeLiteral   = "LITERAL"
	TypeBoolean   = "BOOLEAN"

	// EntityColumn holds the entity id of every row
	EntityColumn = "deviceid"
)

// ReservedColumns are present on every entity table but never published
var ReservedColumns = []string{"logicalinterface_id", "format", "updated_utc"}

type (
	ColumnInfo struct {
		Name     string `json:"name"`
		DataType string `json:"dataType"`
	}

	DataItem struct {
		Name       string   `json:"name"`
		Type       string   `json:"type"`
		ColumnName string   `json:"columnName"`
		ColumnType string   `json:"columnType"`
		Tags       []string `json:"tags"`
		Transient  bool     `json:"transient"`
	}

	Schema struct {
		Items []DataItem
		Dates []string
	}

	TableDescriptor struct {
		Name                  string     `json:"name"`
		DataItemDto           []DataItem `json:"dataItemDto"`
		MetricTableName       string     `json:"metricTableName"`
		MetricTimestampColumn string     `json:"metricTimestampColumn"`
		SchemaName            string     `json:"schemaName"`
	}
)

// MapColumnType turns a database column type into its catalog type.
// Unrecognized types keep their (upper cased) database name.
func MapColumnType(sqlType string) (catalogType string, isDate bool) {
	t := strings.ToUpper(strings.TrimSpace(sqlType))
	switch {
	case t == "DOUBLE", t == "DOUBLE PRECISION", t == "FLOAT8":
		return TypeNumber, false
	case strings.HasPrefix(t, "TIMESTAMP"):
		return TypeTimestamp, true
	case strings.HasPrefix(t, "VARCHAR"), strings.HasPrefix(t, "CHARACTER VARYING"), t == "TEXT", t == "STRING":
		return TypeLiteral, false
	default:
		return t, false
	}
}

func isReserved(name string) bool {
	for _, r := range ReservedColumns {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// BuildSchema maps every non reserved column to a metric data item, in column order
func BuildSchema(cols []ColumnInfo) Schema {
	s := Schema{Items: []DataItem{}, Dates: []string{}}
	for _, c := range cols {
		if isReserved(c.Name) {
			continue
		}
		ct, isDate := MapColumnType(c.DataType)
		if isDate {
			s.Dates = append(s.Dates, c.Name)
		}
		s.Items = append(s.Items, DataItem{
			Name:       c.Name,
			Type:       "METRIC",
			ColumnName: c.Name,
			ColumnType: ct,
		})
	}
	return s
}

// RegistrationPayload is the one element list the catalog expects. tableName is the physical table
// backing the entity type, not its display name.
func RegistrationPayload(name, tableName, timestampColumn, schemaName string, s Schema) []TableDescriptor {
	return []TableDescriptor{{
		Name:                  name,
		DataItemDto:           s.Items,
		MetricTableName:       tableName,
		MetricTimestampColumn: timestampColumn,
		SchemaName:            schemaName,
	}}
}
