package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	recorder := tracetest.NewSpanRecorder()
	return recorder, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
}

func spanNames(recorder *tracetest.SpanRecorder) []string {
	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func TestTracedPool_Exec(t *testing.T) {
	mock := newMockPool(t)
	recorder, tp := newRecorder()
	pool := NewTracedPool(mock, tp)

	mock.ExpectExec("DELETE FROM rag_snapshots").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM rag_snapshots").
		WillReturnError(errors.New("locked"))

	_, err := pool.Exec(context.Background(), "DELETE FROM rag_snapshots\n\tWHERE ts < $1", time.Now())
	require.NoError(t, err)
	_, err = pool.Exec(context.Background(), "DELETE FROM rag_snapshots WHERE ts < $1", time.Now())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "db.exec", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "db.statement" {
			found = true
			assert.Equal(t, "DELETE FROM rag_snapshots WHERE ts < $1", kv.Value.AsString())
		}
	}
	assert.True(t, found)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracedPool_RepositoryPublish(t *testing.T) {
	mock := newMockPool(t)
	recorder, tp := newRecorder()
	repo := NewSnapshotRepository(NewTracedPool(mock, tp), nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rag_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO rag_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Publish(context.Background(), snapshotIndex(time.Unix(1700000000, 0))))

	assert.Equal(t, []string{"db.begin", "db.tx.exec", "db.tx.exec", "db.tx.commit"}, spanNames(recorder))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracedPool_QueryNoRowsIsNotAnError(t *testing.T) {
	mock := newMockPool(t)
	recorder, tp := newRecorder()
	repo := NewSnapshotRepository(NewTracedPool(mock, tp), nil)

	mock.ExpectQuery("SELECT run_id, ts FROM rag_snapshots").
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "ts"}))

	_, _, ok, err := repo.LatestRun(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "db.query_row", spans[0].Name())
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestTracedPool_BeginError(t *testing.T) {
	mock := newMockPool(t)
	recorder, tp := newRecorder()
	pool := NewTracedPool(mock, nil)
	pool.tracer = tp.Tracer(dbTracerName)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	tx, err := pool.Begin(context.Background())
	assert.Nil(t, tx)
	require.Error(t, err)
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, codes.Error, recorder.Ended()[0].Status().Code)
}
