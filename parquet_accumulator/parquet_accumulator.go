package parquet_accumulator

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/danthegoodman1/kpibridge/table"
	"github.com/xitongsys/parquet-go/writer"
)

type (
	// ParquetSchemaAccumulator collects parquet columns for a batch
	ParquetSchemaAccumulator struct {
		schema ParquetSchema
	}

	ParquetSchema struct {
		TagStructs SchemaTag        `json:"-,omitempty"`
		Fields     []*ParquetSchema `json:",omitempty"`
		kind       table.Kind
		source     string
	}

	ParquetJSONSchema struct {
		Tag    string               `json:",omitempty"`
		Fields []*ParquetJSONSchema `json:",omitempty"`
	}

	SchemaTag struct {
		Name           string         `json:"name,omitempty"`
		Type           string         `json:"type,omitempty"`
		ConvertedType  string         `json:"convertedtype,omitempty"`
		RepetitionType RepetitionType `json:"repetitiontype,omitempty"`
		Encoding       string         `json:"encoding,omitempty"`
	}

	RepetitionType string
)

var (
	Optional RepetitionType = "OPTIONAL"
	Required RepetitionType = "REQUIRED"
)

func NewParquetAccumulator() ParquetSchemaAccumulator {
	return ParquetSchemaAccumulator{
		schema: ParquetSchema{
			TagStructs: SchemaTag{
				Name:           "parquet_go_root",
				RepetitionType: Required,
			},
		},
	}
}

// FieldName is the parquet column name for a batch column, parquet-go treats dots as path separators
func FieldName(column string) string {
	return strings.ReplaceAll(column, ".", "_")
}

// AddColumn adds a column unless one with the same name exists
func (pa *ParquetSchemaAccumulator) AddColumn(name string, kind table.Kind) {
	if pa.fieldExists(FieldName(name)) {
		return
	}
	pa.schema.Fields = append(pa.schema.Fields, getParquetSchema(name, kind))
}

// AddBatch accumulates the index columns and every column of the batch
func (pa *ParquetSchemaAccumulator) AddBatch(b *table.Batch, entityCol, tsCol string) {
	pa.AddColumn(entityCol, table.KindText)
	pa.AddColumn(tsCol, table.KindTimestamp)
	for _, name := range b.ColumnNames() {
		c, _ := b.Column(name)
		pa.AddColumn(name, c.Kind)
	}
}

func getParquetSchema(name string, kind table.Kind) *ParquetSchema {
	schema := &ParquetSchema{
		TagStructs: SchemaTag{
			Name:           FieldName(name),
			RepetitionType: Optional,
		},
		kind:   kind,
		source: name,
	}
	switch kind {
	case table.KindNumber:
		schema.TagStructs.Type = "DOUBLE"
	case table.KindTimestamp:
		schema.TagStructs.Type = "INT64"
		schema.TagStructs.ConvertedType = "TIMESTAMP_MILLIS"
	default:
		// unknown kinds are written as their string form
		schema.TagStructs.Type = "BYTE_ARRAY"
		schema.TagStructs.ConvertedType = "UTF8"
		schema.TagStructs.Encoding = "PLAIN"
	}
	return schema
}

func (pa *ParquetSchemaAccumulator) fieldExists(fieldName string) (exists bool) {
	for _, field := range pa.schema.Fields {
		if field.TagStructs.Name == fieldName {
			return true
		}
	}
	return
}

// ToParquetJSONSchema recursively converts
func (ps *ParquetSchema) ToParquetJSONSchema() *ParquetJSONSchema {
	var tagArr []string
	if ps.TagStructs.Type != "" {
		tagArr = append(tagArr, "type="+ps.TagStructs.Type)
	}
	if ps.TagStructs.ConvertedType != "" {
		tagArr = append(tagArr, "convertedtype="+ps.TagStructs.ConvertedType)
	}
	if ps.TagStructs.Encoding != "" {
		tagArr = append(tagArr, "encoding="+ps.TagStructs.Encoding)
	}
	if ps.TagStructs.Name != "" {
		tagArr = append(tagArr, "name="+ps.TagStructs.Name)
	}
	if string(ps.TagStructs.RepetitionType) != "" {
		tagArr = append(tagArr, "repetitiontype="+string(ps.TagStructs.RepetitionType))
	}
	var fields []*ParquetJSONSchema
	for _, field := range ps.Fields {
		fields = append(fields, field.ToParquetJSONSchema())
	}
	return &ParquetJSONSchema{
		Tag:    strings.Join(tagArr, ", "),
		Fields: fields,
	}
}

// GetSchemaString returns the JSON formatted schema string
func (pa *ParquetSchemaAccumulator) GetSchemaString() (string, error) {
	var fields []*ParquetJSONSchema
	for _, field := range pa.schema.Fields {
		fields = append(fields, field.ToParquetJSONSchema())
	}
	pjs := ParquetJSONSchema{
		Tag:    "name=parquet_go_root, repetitiontype=REQUIRED",
		Fields: fields,
	}

	b, err := json.Marshal(pjs)
	if err != nil {
		return "", fmt.Errorf("error in json.Marshal: %w", err)
	}
	return string(b), nil
}

// encodeRow converts a batch row to the JSON object the parquet JSON writer expects
func (pa *ParquetSchemaAccumulator) encodeRow(row table.Row) map[string]any {
	out := make(map[string]any, len(pa.schema.Fields))
	for _, field := range pa.schema.Fields {
		v, ok := row[field.source]
		if !ok || v == nil {
			continue
		}
		switch field.kind {
		case table.KindTimestamp:
			if t, ok := v.(time.Time); ok {
				out[field.TagStructs.Name] = t.UnixMilli()
			}
		case table.KindNumber:
			if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
				continue
			}
			out[field.TagStructs.Name] = v
		case table.KindText:
			out[field.TagStructs.Name] = v
		default:
			out[field.TagStructs.Name] = fmt.Sprint(v)
		}
	}
	return out
}

// WriteBatch writes every row of the batch to w as a parquet file and returns the schema used
func WriteBatch(b *table.Batch, entityCol, tsCol string, w io.Writer) (string, error) {
	pa := NewParquetAccumulator()
	pa.AddBatch(b, entityCol, tsCol)

	schema, err := pa.GetSchemaString()
	if err != nil {
		return "", err
	}

	pw, err := writer.NewJSONWriterFromWriter(schema, w, 4)
	if err != nil {
		return "", fmt.Errorf("error in writer.NewJSONWriterFromWriter: %w", err)
	}
	for _, row := range b.Rows(entityCol, tsCol) {
		rowBytes, err := json.Marshal(pa.encodeRow(row))
		if err != nil {
			return "", fmt.Errorf("error in json.Marshal: %w", err)
		}
		if err := pw.Write(string(rowBytes)); err != nil {
			return "", fmt.Errorf("error in pw.Write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", fmt.Errorf("error in pw.WriteStop: %w", err)
	}
	return schema, nil
}
