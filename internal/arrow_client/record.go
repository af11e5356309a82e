package arrow_client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-window/internal/engine"
)

// CompletionSchema is the layout of exported batches: one row per prompt.
var CompletionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "batch_id", Type: arrow.BinaryTypes.String},
	{Name: "sequence", Type: arrow.PrimitiveTypes.Int32},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "completion", Type: arrow.BinaryTypes.String},
	{Name: "token_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "logprobs", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
}, nil)

// Row is one decoded row of a completion record.
type Row struct {
	BatchID    string
	Sequence   int
	Text       string
	Completion string
	TokenIDs   []int
	Logprobs   []float64
}

// BuildRecord converts the results of one batch into a record. The caller
// owns the record and must Release it.
func BuildRecord(mem memory.Allocator, batchID string, results []engine.Result) arrow.Record {
	b := array.NewRecordBuilder(mem, CompletionSchema)
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	seqs := b.Field(1).(*array.Int32Builder)
	texts := b.Field(2).(*array.StringBuilder)
	completions := b.Field(3).(*array.StringBuilder)
	tokens := b.Field(4).(*array.ListBuilder)
	tokenValues := tokens.ValueBuilder().(*array.Int32Builder)
	logprobs := b.Field(5).(*array.ListBuilder)
	logprobValues := logprobs.ValueBuilder().(*array.Float64Builder)

	for i, r := range results {
		ids.Append(batchID)
		seqs.Append(int32(i))
		texts.Append(r.Text)
		completions.Append(r.Completion)

		tokens.Append(true)
		for _, id := range r.Tokens {
			tokenValues.Append(int32(id))
		}
		logprobs.Append(true)
		logprobValues.AppendValues(r.Logprobs, nil)
	}

	return b.NewRecord()
}

// ReadRecord decodes a record built with CompletionSchema.
func ReadRecord(rec arrow.Record) ([]Row, error) {
	if !rec.Schema().Equal(CompletionSchema) {
		return nil, fmt.Errorf("unexpected schema: %s", rec.Schema())
	}

	ids := rec.Column(0).(*array.String)
	seqs := rec.Column(1).(*array.Int32)
	texts := rec.Column(2).(*array.String)
	completions := rec.Column(3).(*array.String)
	tokens := rec.Column(4).(*array.List)
	tokenValues := tokens.ListValues().(*array.Int32)
	logprobs := rec.Column(5).(*array.List)
	logprobValues := logprobs.ListValues().(*array.Float64)

	rows := make([]Row, rec.NumRows())
	for i := range rows {
		r := Row{
			BatchID:    ids.Value(i),
			Sequence:   int(seqs.Value(i)),
			Text:       texts.Value(i),
			Completion: completions.Value(i),
		}
		start, end := tokens.ValueOffsets(i)
		r.TokenIDs = make([]int, 0, end-start)
		for j := start; j < end; j++ {
			r.TokenIDs = append(r.TokenIDs, int(tokenValues.Value(int(j))))
		}
		start, end = logprobs.ValueOffsets(i)
		r.Logprobs = make([]float64, 0, end-start)
		for j := start; j < end; j++ {
			r.Logprobs = append(r.Logprobs, logprobValues.Value(int(j)))
		}
		rows[i] = r
	}
	return rows, nil
}
