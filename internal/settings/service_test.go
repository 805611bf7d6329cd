package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateKnownKeys(t *testing.T) {
	assert.NoError(t, validate(KeySignupEnabled, false))
	assert.NoError(t, validate(KeyAuthMode, ModeNone))
	assert.NoError(t, validate(KeyDefaultUserID, nil))
	assert.NoError(t, validate(KeyDefaultUserID, "user-1"))

	assert.Error(t, validate(KeySignupEnabled, "yes"))
	assert.Error(t, validate(KeyAuthMode, "open-sesame"))
	assert.Error(t, validate(KeyDefaultUserID, 42))
}

func TestValidateRejectsUnknownKey(t *testing.T) {
	err := validate("auth.telepathy", true)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestEveryKnownKeyHasADefault(t *testing.T) {
	for _, key := range []string{KeySignupEnabled, KeyAuthMode, KeyDefaultUserID} {
		_, ok := defaults[key]
		assert.True(t, ok, "missing default for %s", key)
	}
}
