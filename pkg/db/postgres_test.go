package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestStatementKind(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                         "select",
		"\n\t\tINSERT INTO outbox_records": "insert",
		"WITH cte AS (SELECT 1)":           "with",
		"update inventory SET":             "update",
		"DELETE FROM orders":               "delete",
		"VACUUM":                           "other",
	}
	for q, want := range cases {
		assert.Equal(t, want, statementKind(q), q)
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "none", ErrorKind(nil))
	assert.Equal(t, "no_rows", ErrorKind(fmt.Errorf("wrap: %w", pgx.ErrNoRows)))
	assert.Equal(t, "canceled", ErrorKind(context.Canceled))
	assert.Equal(t, "unique_violation", ErrorKind(&pgconn.PgError{Code: CodeUniqueViolation}))
	assert.Equal(t, "conflict", ErrorKind(&pgconn.PgError{Code: CodeSerializationFailure}))
	assert.Equal(t, "pg_42P01", ErrorKind(&pgconn.PgError{Code: "42P01"}))
	assert.Equal(t, "other", ErrorKind(errors.New("boom")))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(nil))
}

func TestExtractTx_Empty(t *testing.T) {
	p := &Postgres{}
	assert.Nil(t, p.ExtractTx(context.Background()))
}
