package database

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const dbTracerName = "github.com/irfndi/coin-rag/database"

// TracedPool wraps a DatabasePool and opens a client span per statement.
type TracedPool struct {
	pool   DatabasePool
	tracer trace.Tracer
}

// NewTracedPool wraps pool. A nil provider uses the global one.
func NewTracedPool(pool DatabasePool, tp trace.TracerProvider) *TracedPool {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracedPool{pool: pool, tracer: tp.Tracer(dbTracerName)}
}

func (p *TracedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := startSpan(ctx, p.tracer, "db.query", sql)
	defer span.End()
	rows, err := p.pool.Query(ctx, sql, args...)
	RecordDatabaseError(span, err)
	return rows, err
}

func (p *TracedPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := startSpan(ctx, p.tracer, "db.query_row", sql)
	defer span.End()
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p *TracedPool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := startSpan(ctx, p.tracer, "db.exec", sql)
	defer span.End()
	tag, err := p.pool.Exec(ctx, sql, args...)
	RecordDatabaseError(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	}
	return tag, err
}

func (p *TracedPool) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span := startSpan(ctx, p.tracer, "db.begin", "")
	defer span.End()
	tx, err := p.pool.Begin(ctx)
	RecordDatabaseError(span, err)
	if err != nil {
		return nil, err
	}
	return &TracedTx{Tx: tx, tracer: p.tracer}, nil
}

// TracedTx traces statement execution and the end of a transaction.
type TracedTx struct {
	pgx.Tx
	tracer trace.Tracer
}

func (tx *TracedTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := startSpan(ctx, tx.tracer, "db.tx.exec", sql)
	defer span.End()
	tag, err := tx.Tx.Exec(ctx, sql, args...)
	RecordDatabaseError(span, err)
	return tag, err
}

func (tx *TracedTx) Commit(ctx context.Context) error {
	ctx, span := startSpan(ctx, tx.tracer, "db.tx.commit", "")
	defer span.End()
	err := tx.Tx.Commit(ctx)
	RecordDatabaseError(span, err)
	return err
}

func (tx *TracedTx) Rollback(ctx context.Context) error {
	ctx, span := startSpan(ctx, tx.tracer, "db.tx.rollback", "")
	defer span.End()
	err := tx.Tx.Rollback(ctx)
	RecordDatabaseError(span, err)
	return err
}

func startSpan(ctx context.Context, tracer trace.Tracer, name, sql string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("db.system", "postgresql")}
	if stmt := statementSummary(sql); stmt != "" {
		attrs = append(attrs, attribute.String("db.statement", stmt))
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// statementSummary collapses whitespace so multi-line SQL fits in one attribute.
func statementSummary(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// RecordDatabaseError marks span as failed when err is set. pgx.ErrNoRows is not a failure.
func RecordDatabaseError(span trace.Span, err error) {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
