package errext

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithHint(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WithHint(nil, "ignored"))

	base := fmt.Errorf("%w: port not found", ErrDiscovery)
	err := WithHint(base, "set CHROME_BIN")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiscovery)
	assert.Equal(t, base.Error(), err.Error())

	var herr HasHint
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "set CHROME_BIN", herr.Hint())

	wrapped := WithHint(fmt.Errorf("launching: %w", err), "retry with --no-sandbox")
	require.True(t, errors.As(wrapped, &herr))
	assert.Equal(t, "retry with --no-sandbox (set CHROME_BIN)", herr.Hint())
}

func TestFormat(t *testing.T) {
	t.Parallel()

	msg, fields := Format(nil)
	assert.Empty(t, msg)
	assert.Nil(t, fields)

	msg, fields = Format(WithHint(ErrTransport, "check the browser"))
	assert.Equal(t, "transport error", msg)
	assert.Equal(t, map[string]interface{}{"hint": "check the browser"}, fields)

	_, fields = Format(ErrProtocol)
	assert.Empty(t, fields)
}
