package realtime

import (
	"fmt"
)

// transport unreachable. recovered automatically by the reconnect loop,
// surfaced to views only as a connection-state change.
type ConnectionError struct {
	Url string
	Err error
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", self.Url, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// media attach failed. aborts the single send and marks the pending entry failed.
type UploadError struct {
	ClientTempId Id
	Err          error
}

func (self *UploadError) Error() string {
	return fmt.Sprintf("upload error (%s): %s", self.ClientTempId, self.Err)
}

func (self *UploadError) Unwrap() error {
	return self.Err
}

// an inbound frame failed to parse or route. dropped and logged, never fatal.
type MalformedEventError struct {
	FrameType string
	Err       error
}

func (self *MalformedEventError) Error() string {
	if self.FrameType == "" {
		return fmt.Sprintf("malformed event: %s", self.Err)
	}
	return fmt.Sprintf("malformed event (%s): %s", self.FrameType, self.Err)
}

func (self *MalformedEventError) Unwrap() error {
	return self.Err
}
