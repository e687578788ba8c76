package pgm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateRejectsTooSmallTPDU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTPDU = 10
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}

func TestConfig_ValidateRejectsZeroHops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hops = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}

func TestConfig_ValidateRejectsPeerExpiryTooShort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeerExpiry = cfg.SpmAmbientInterval
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}

func TestConfig_ValidateRejectsSpmrExpiryNotBelowAmbient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpmrExpiry = cfg.SpmAmbientInterval
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}

func TestConfig_ValidateRejectsSendOnlyAndRecvOnlyTogether(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendOnly = true
	cfg.RecvOnly = true
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}

func TestConfig_ValidateDelegatesToFECWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FEC = FECConfig{RsK: 3, RsN: 8} // not a power of two
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}

func TestLoadConfig_OverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgm.toml")
	contents := `
max_tpdu = 9000
hops = 4
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(9000), cfg.MaxTPDU)
	assert.Equal(t, uint8(4), cfg.Hops)
	// untouched fields should retain DefaultConfig's values.
	assert.Equal(t, 30*time.Second, cfg.SpmAmbientInterval)
	assert.Equal(t, uint32(4096), cfg.TxwSqns)
}

func TestLoadConfig_RejectsInvalidResultingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgm.toml")
	require.NoError(t, os.WriteFile(path, []byte("hops = 0\n"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}
