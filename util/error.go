package util

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextualError pairs an error with a log message and the fields that
// locate it, such as the queue label or the option values that were
// rejected.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err into a ContextualError with msg unless err
// already carries one somewhere in its chain.
func ContextualizeIfNeeded(msg string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with the message and fields of the first
// ContextualError in its chain, or with msg if there is none.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	var sb strings.Builder
	sb.WriteString(ce.Context)
	if len(ce.Fields) > 0 {
		sb.WriteString(" (")
		for i, k := range slices.Sorted(maps.Keys(ce.Fields)) {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%s=%v", k, ce.Fields[k])
		}
		sb.WriteByte(')')
	}
	if ce.RealError != nil {
		sb.WriteString(": ")
		sb.WriteString(ce.RealError.Error())
	}
	return sb.String()
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

// Log writes ce as a single error line.
func (ce *ContextualError) Log(l *logrus.Logger) {
	entry := l.WithFields(ce.Fields)
	if ce.RealError != nil {
		entry = entry.WithError(ce.RealError)
	}
	entry.Error(ce.Context)
}
