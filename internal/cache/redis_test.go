package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "rates:BTC/USD", Key(ratesNamespace, "BTC/USD"))
	assert.Equal(t, "secrets:wallet-token:client-1", Key(secretsNamespace, "wallet-token:client-1"))
}

func TestSecretTTL(t *testing.T) {
	assert.Equal(t, 3*time.Minute, secretTTL(3*time.Minute))
	assert.Equal(t, SecretTTL, secretTTL(0))
	assert.Equal(t, SecretTTL, secretTTL(-time.Second))
	assert.Equal(t, SecretTTL, secretTTL(SecretTTL+time.Hour))
}
