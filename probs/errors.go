package probs

import "fmt"

// ShapeError reports a tensor whose dimensions are invalid or disagree with its buffer.
type ShapeError struct {
	Classes int
	Height  int
	Width   int
	Len     int
	Reason  string
}

func newShapeError(classes, height, width, n int, reason string) *ShapeError {
	return &ShapeError{Classes: classes, Height: height, Width: width, Len: n, Reason: reason}
}

// Error implements error.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape error: %s (classes=%d height=%d width=%d len=%d)",
		e.Reason, e.Classes, e.Height, e.Width, e.Len)
}
