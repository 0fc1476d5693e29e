package gatt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type carrier struct{}

func (carrier) Error() string     { return "carrier" }
func (carrier) ATTStatus() Status { return StatusRateLimited }

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusOutOfRange, StatusOf(StatusOutOfRange))
	assert.Equal(t, StatusInvalidValueLength, StatusOf(fmt.Errorf("decode: %w", StatusInvalidValueLength)))
	assert.Equal(t, StatusRateLimited, StatusOf(fmt.Errorf("wrapped: %w", carrier{})))
	assert.Equal(t, StatusUnlikely, StatusOf(errors.New("boom")))
}

func TestStatusError(t *testing.T) {
	assert.Equal(t, "att: insufficient encryption (0x0f)", StatusInsufficientEncryption.Error())
	assert.Equal(t, "att: error 0x42", Status(0x42).Error())
}
