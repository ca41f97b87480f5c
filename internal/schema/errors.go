package schema

import (
	"errors"
	"fmt"
)

// ErrNoSnapshot is returned when the cache has never built a snapshot.
var ErrNoSnapshot = errors.New("no schema snapshot available")

// IntrospectionError reports a failed catalog or sampling query.
type IntrospectionError struct {
	// Stage names the step that failed, e.g. "tables", "columns", "sample".
	Stage string
	// Table is set when the failure is specific to one table.
	Table string
	Err   error
}

func (e *IntrospectionError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("introspection failed at %s for table %s: %v", e.Stage, e.Table, e.Err)
	}
	return fmt.Sprintf("introspection failed at %s: %v", e.Stage, e.Err)
}

func (e *IntrospectionError) Unwrap() error { return e.Err }

func stageErr(stage, table string, err error) error {
	if err == nil {
		return nil
	}
	var ie *IntrospectionError
	if errors.As(err, &ie) {
		return err
	}
	return &IntrospectionError{Stage: stage, Table: table, Err: err}
}
