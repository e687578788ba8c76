package pgm

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the transport's configuration surface. NewTransport validates
// it and keeps its own copy; Transport has no setters, so the
// configuration cannot be changed after the transport is created.
type Config struct {
	MaxTPDU uint16 `toml:"max_tpdu"`
	Hops    uint8  `toml:"hops"`

	SpmAmbientInterval  time.Duration   `toml:"spm_ambient_interval"`
	SpmHeartbeatIntervals []time.Duration `toml:"spm_heartbeat_intervals"`

	PeerExpiry  time.Duration `toml:"peer_expiry"`
	SpmrExpiry  time.Duration `toml:"spmr_expiry"`

	TxwSqns uint32 `toml:"txw_sqns"`
	RxwSqns uint32 `toml:"rxw_sqns"`
	TxwSecs time.Duration `toml:"txw_secs"`
	RxwSecs time.Duration `toml:"rxw_secs"`

	TxwMaxRte uint64 `toml:"txw_max_rte"`
	RxwMaxRte uint64 `toml:"rxw_max_rte"`

	SndBuf int `toml:"sndbuf"`
	RcvBuf int `toml:"rcvbuf"`

	NakBackoffIvl  time.Duration `toml:"nak_bo_ivl"`
	NakRepeatIvl   time.Duration `toml:"nak_rpt_ivl"`
	NakRDataIvl    time.Duration `toml:"nak_rdata_ivl"`
	NakDataRetries uint32        `toml:"nak_data_retries"`
	NakNcfRetries  uint32        `toml:"nak_ncf_retries"`

	FEC FECConfig `toml:"fec"`

	SendOnly bool `toml:"send_only"`
	RecvOnly bool `toml:"recv_only"`
	Passive  bool `toml:"passive"`

	// DrainTimeout bounds how long Destroy waits for the timer and
	// receiver goroutines to exit after signalling them to stop. No
	// pending SPMs or retransmits are sent during that wait.
	DrainTimeout time.Duration `toml:"drain_timeout"`
}

// DefaultConfig returns the conservative defaults this package ships with,
// matching typical openpgm deployments.
func DefaultConfig() Config {
	return Config{
		MaxTPDU:            1500,
		Hops:               16,
		SpmAmbientInterval: 30 * time.Second,
		PeerExpiry:         5 * time.Minute,
		SpmrExpiry:         250 * time.Millisecond,
		TxwSqns:            4096,
		RxwSqns:             4096,
		NakBackoffIvl:  50 * time.Millisecond,
		NakRepeatIvl:   200 * time.Millisecond,
		NakRDataIvl:    500 * time.Millisecond,
		NakDataRetries: 5,
		NakNcfRetries:  2,
		DrainTimeout:   2 * time.Second,
	}
}

// LoadConfig reads a TOML file into a Config seeded with DefaultConfig,
// so a deployment only has to override what it cares about.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "pgm: load config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces Config's enumerated constraints.
func (c Config) Validate() error {
	if c.MaxTPDU < 20+headerLen { // IPv4 header + PGM header
		return errors.Wrap(ErrInvalidArgument, "max_tpdu too small")
	}
	if c.Hops == 0 {
		return errors.Wrap(ErrInvalidArgument, "hops must be >= 1")
	}
	if c.PeerExpiry < 2*c.SpmAmbientInterval {
		return errors.Wrap(ErrInvalidArgument, "peer_expiry must be >= 2*spm_ambient_interval")
	}
	if c.SpmrExpiry >= c.SpmAmbientInterval {
		return errors.Wrap(ErrInvalidArgument, "spmr_expiry must be < spm_ambient_interval")
	}
	if c.TxwSqns == 0 || c.TxwSqns >= (1<<31)-1 {
		return errors.Wrap(ErrInvalidArgument, "txw_sqns out of range")
	}
	if c.RxwSqns == 0 || c.RxwSqns >= (1<<31)-1 {
		return errors.Wrap(ErrInvalidArgument, "rxw_sqns out of range")
	}
	if c.SendOnly && c.RecvOnly {
		return errors.Wrap(ErrInvalidArgument, "send_only and recv_only are mutually exclusive")
	}
	if c.FEC.RsK != 0 {
		if err := c.FEC.validate(); err != nil {
			return err
		}
	}
	return nil
}
