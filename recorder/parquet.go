package recorder

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"arbflow/models"
)

// TradeRow is the parquet schema for entry/exit records.
type TradeRow struct {
	TradeID  string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Event    string  `parquet:"name=event, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side     string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	QuoteKey string  `parquet:"name=quote_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	HedgeKey string  `parquet:"name=hedge_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	QuoteQty float64 `parquet:"name=quote_qty, type=DOUBLE"`
	HedgeQty float64 `parquet:"name=hedge_qty, type=DOUBLE"`
	QuotePx  float64 `parquet:"name=quote_px, type=DOUBLE"`
	HedgePx  float64 `parquet:"name=hedge_px, type=DOUBLE"`
	EdgeBps  float64 `parquet:"name=edge_bps, type=DOUBLE"`
	Reason   string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time     int64   `parquet:"name=time, type=INT64"`
}

// FillRow is the parquet schema for execution reports.
type FillRow struct {
	Market    string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID   int64   `parquet:"name=order_id, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status    string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastPrice float64 `parquet:"name=last_price, type=DOUBLE"`
	LastQty   float64 `parquet:"name=last_qty, type=DOUBLE"`
	CumQty    float64 `parquet:"name=cum_qty, type=DOUBLE"`
	EventTime int64   `parquet:"name=event_time, type=INT64"`
}

func tradeRow(r models.TradeRecord) TradeRow {
	return TradeRow{
		TradeID:  r.TradeID,
		Event:    r.Event,
		Side:     string(r.Side),
		QuoteKey: r.QuoteKey.String(),
		HedgeKey: r.HedgeKey.String(),
		QuoteQty: r.QuoteQty,
		HedgeQty: r.HedgeQty,
		QuotePx:  r.QuotePx,
		HedgePx:  r.HedgePx,
		EdgeBps:  r.EdgeBps,
		Reason:   r.Reason,
		Time:     r.Time.UnixMilli(),
	}
}

func fillRow(ev models.FillEvent) FillRow {
	return FillRow{
		Market:    ev.Key.String(),
		OrderID:   ev.OrderID,
		Side:      ev.Side,
		Status:    ev.Status,
		LastPrice: ev.LastPrice,
		LastQty:   ev.LastQty,
		CumQty:    ev.CumQty,
		EventTime: ev.EventTime.UnixMilli(),
	}
}

// memoryFileWriter implements the ParquetFile interface over a byte buffer so
// files can be assembled in memory before hitting disk or S3.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "lzo":
		return parquet.CompressionCodec_LZO
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeParquet serializes rows into a parquet file. schema is a pointer to
// the zero row type; rows must be values of that type.
func encodeParquet(schema any, rows []any, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, schema, 2)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
