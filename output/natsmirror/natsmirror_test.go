package natsmirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessel-la/robo-boy/natsclient"
)

func TestNewSinkValidation(t *testing.T) {
	_, err := NewSink(nil, "", nil)
	assert.Error(t, err)
}

func TestSubjectFor(t *testing.T) {
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)

	sink, err := NewSink(client, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "tf.resolved.abc-123", sink.SubjectFor("abc-123"))

	sink, err = NewSink(client, "custom.prefix", nil)
	require.NoError(t, err)
	assert.Equal(t, "custom.prefix.abc-123", sink.SubjectFor("abc-123"))
}
