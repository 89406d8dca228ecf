// Package apperr categorizes errors so API clients can tell "retry later"
// apart from "reconfigure", "start over" and "fix your request".
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Category identifies the class of a failure.
type Category string

// Error categories.
const (
	DBConnection   Category = "DB_CONNECTION"
	DBPermission   Category = "DB_PERMISSION"
	DBTimeout      Category = "DB_TIMEOUT"
	SessionExpired Category = "SESSION_EXPIRED"
	InvalidInput   Category = "INVALID_INPUT"
	Unknown        Category = "UNKNOWN"
)

var messages = map[Category]string{
	DBConnection: "Cannot connect to the database. Please check your database URL, " +
		"credentials, and ensure the database server is running.",
	DBPermission: "Database permission denied. The database user needs SELECT permission " +
		"on the recorder tables (states, statistics, etc.).",
	DBTimeout: "Database connection timed out. The database server may be slow to respond " +
		"or unreachable. Check network connectivity and server status.",
	SessionExpired: "Your session has expired (sessions expire after 5 minutes of inactivity). " +
		"Please start a new scan.",
	InvalidInput: "Invalid input parameters provided. Please check your request and try again.",
	Unknown:      "An unexpected error occurred. Please check the server logs for details.",
}

// Message returns the user-facing message for c.
func (c Category) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[Unknown]
}

// HTTPStatus maps c to the status code the API responds with.
func (c Category) HTTPStatus() int {
	switch c {
	case DBConnection:
		return http.StatusServiceUnavailable
	case DBPermission:
		return http.StatusForbidden
	case DBTimeout:
		return http.StatusGatewayTimeout
	case SessionExpired:
		return http.StatusGone
	case InvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error carries an explicit category alongside the underlying cause.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of category c with a formatted cause.
func New(c Category, format string, args ...any) error {
	return &Error{Category: c, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with category c. A nil err stays nil.
func Wrap(c Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: c, Err: err}
}

// Is reports whether err classifies as c.
func Is(err error, c Category) bool {
	return Classify(err) == c
}

// Classify inspects err and its chain and returns the best matching category.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return DBTimeout
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045, 1142, 1143:
			return DBPermission
		case 2002, 2003, 2006, 2013:
			return DBConnection
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501" || pgErr.Code == "28000" || pgErr.Code == "28P01":
			return DBPermission
		case pgErr.Code == "57014":
			return DBTimeout
		case strings.HasPrefix(pgErr.Code, "08"):
			return DBConnection
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return DBTimeout
		}
		return DBConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "access denied"):
		return DBPermission
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return DBTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "could not connect") || strings.Contains(msg, "bad connection"):
		return DBConnection
	}

	return Unknown
}
