package webpush

import (
	"errors"
	"fmt"
	"io"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrap(t *testing.T) {
	assert.NoError(t, ErrorEncoding.Wrap(nil))

	err := ErrorInvalidKey.Wrap(io.ErrUnexpectedEOF)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrorInvalidKey)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrorEncoding)
	assert.Equal(t, io.ErrUnexpectedEOF, pkgerrors.Cause(err))
	assert.Equal(t, "webpush: invalid subscription key: unexpected EOF", err.Error())

	// stack trace from pkg/errors
	assert.Contains(t, fmt.Sprintf("%+v", err), "TestErrorWrap")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorNone, KindOf(nil))
	assert.Equal(t, ErrorNone, KindOf(errors.New("foreign")))
	assert.Equal(t, ErrorSigning, KindOf(ErrorSigning))
	assert.Equal(t, ErrorSigning, KindOf(ErrorSigning.New("no key")))
	assert.Equal(t, ErrorRecordTooLarge, KindOf(fmt.Errorf("sending: %w", ErrorRecordTooLarge.Wrap(io.EOF))))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "webpush: invalid endpoint", ErrorInvalidEndpoint.Error())
	assert.Equal(t, "webpush: unknown error 200", Error(200).Error())
}
