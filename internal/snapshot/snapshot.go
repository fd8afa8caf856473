// Package snapshot turns activation buffers into Arrow record batches for
// offline inspection and for serving over Flight. Each snapshot carries the
// local slice of one layer's activations, one row per local mini-batch
// column, as a fixed-size-list column of float32.
package snapshot

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/dist"
)

// Schema returns the snapshot schema for a feature size: one sample index
// column and one fixed-size-list activation column.
func Schema(flat int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "sample", Type: arrow.PrimitiveTypes.Int64},
			{Name: "activations", Type: arrow.FixedSizeListOf(int32(flat), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)
}

// Record builds an Arrow record batch from the local slice of m: one row per
// local column, sample indices global. The caller releases the record.
func Record(alloc memory.Allocator, m *dist.Matrix) (arrow.RecordBatch, error) {
	rows, cols := m.LocalDims()
	if rows < 1 {
		return nil, fmt.Errorf("snapshot: empty buffer, local dims %dx%d", rows, cols)
	}
	loc := m.LockedLocal()
	colOff := m.ColOffset()

	sampleBuilder := array.NewInt64Builder(alloc)
	defer sampleBuilder.Release()
	actBuilder := array.NewFixedSizeListBuilder(alloc, int32(rows), arrow.PrimitiveTypes.Float32)
	defer actBuilder.Release()
	floatBuilder := actBuilder.ValueBuilder().(*array.Float32Builder)

	for j := 0; j < cols; j++ {
		sampleBuilder.Append(int64(colOff + j))
		actBuilder.Append(true)
		for i := 0; i < rows; i++ {
			floatBuilder.Append(loc.Data[i*loc.Stride+j])
		}
	}

	sampleArr := sampleBuilder.NewArray()
	defer sampleArr.Release()
	actArr := actBuilder.NewArray()
	defer actArr.Release()

	return array.NewRecordBatch(Schema(rows), []arrow.Array{sampleArr, actArr}, int64(cols)), nil
}

// WriteStream writes a record batch to w as an Arrow IPC stream.
func WriteStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("snapshot: write record: %w", err)
	}
	return writer.Close()
}
