package processing

import "fmt"

// DataError marks attendee-side calendar data corruption that the
// organizer-copy restore path may repair. Only errors of this class ever
// trigger the repair-and-retry; everything else fails immediately.
type DataError struct {
	Err error
}

func (e *DataError) Error() string { return fmt.Sprintf("calendar data error: %v", e.Err) }
func (e *DataError) Unwrap() error { return e.Err }

// dataErr wraps an error as repairable.
func dataErr(err error) error {
	if err == nil {
		return nil
	}
	return &DataError{Err: err}
}
