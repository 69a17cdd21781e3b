package parity

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
)

var reportEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// WriteReport encodes rep as CBOR.
func WriteReport(w io.Writer, rep Report) error {
	return reportEncMode.NewEncoder(w).Encode(rep)
}

// ReadReport decodes a report written by WriteReport.
func ReadReport(r io.Reader) (Report, error) {
	var rep Report
	if err := cbor.NewDecoder(r).Decode(&rep); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}

// WriteReportFile writes rep to path, replacing any existing file.
func WriteReportFile(path string, rep Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteReport(f, rep); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// MismatchSchema is the layout of the mismatch dump. Input is null where the
// op's input does not line up elementwise with its output.
var MismatchSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "case", Type: arrow.BinaryTypes.String},
		{Name: "op", Type: arrow.BinaryTypes.String},
		{Name: "index", Type: arrow.PrimitiveTypes.Int64},
		{Name: "input", Type: arrow.PrimitiveTypes.Float32, Nullable: true},
		{Name: "host", Type: arrow.PrimitiveTypes.Float32},
		{Name: "device", Type: arrow.PrimitiveTypes.Float32, Nullable: true},
	},
	nil,
)

// BuildMismatchRecord flattens every failed case with numeric values into one
// record, one row per element. It returns nil when there is nothing to dump.
func BuildMismatchRecord(mem memory.Allocator, rep Report) arrow.RecordBatch {
	b := array.NewRecordBuilder(mem, MismatchSchema)
	defer b.Release()

	caseB := b.Field(0).(*array.StringBuilder)
	opB := b.Field(1).(*array.StringBuilder)
	idxB := b.Field(2).(*array.Int64Builder)
	inB := b.Field(3).(*array.Float32Builder)
	hostB := b.Field(4).(*array.Float32Builder)
	devB := b.Field(5).(*array.Float32Builder)

	rows := 0
	for _, res := range rep.Results {
		m := res.Mismatch()
		if m == nil {
			continue
		}
		aligned := len(m.Input) == len(m.Host)
		for i := range m.Host {
			caseB.Append(res.Case)
			opB.Append(m.Op)
			idxB.Append(int64(i))
			if aligned {
				inB.Append(m.Input[i])
			} else {
				inB.AppendNull()
			}
			hostB.Append(m.Host[i])
			if i < len(m.Device) {
				devB.Append(m.Device[i])
			} else {
				devB.AppendNull()
			}
			rows++
		}
	}
	if rows == 0 {
		return nil
	}
	return b.NewRecord()
}

// WriteMismatches writes the mismatch dump of rep as an Arrow IPC stream and
// returns the number of rows written. A report without mismatches yields a
// stream holding only the schema.
func WriteMismatches(w io.Writer, mem memory.Allocator, rep Report) (int64, error) {
	wr := ipc.NewWriter(w, ipc.WithSchema(MismatchSchema), ipc.WithAllocator(mem))

	var rows int64
	if rec := BuildMismatchRecord(mem, rep); rec != nil {
		defer rec.Release()
		if err := wr.Write(rec); err != nil {
			_ = wr.Close()
			return 0, fmt.Errorf("write mismatches: %w", err)
		}
		rows = rec.NumRows()
	}
	return rows, wr.Close()
}

// WriteMismatchFile is WriteMismatches to a file at path.
func WriteMismatchFile(path string, rep Report) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	rows, err := WriteMismatches(f, memory.NewGoAllocator(), rep)
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	return rows, f.Close()
}
