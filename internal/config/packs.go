package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CreditPack describes one purchasable bundle of request units.
type CreditPack struct {
	Code          string `mapstructure:"code"`
	Units         int64  `mapstructure:"units"`
	AmountMinor   int64  `mapstructure:"amountMinor"`
	StripePriceID string `mapstructure:"stripePriceId"`
}

// PackTable is the configured pack catalog.
type PackTable struct {
	Packs []CreditPack `mapstructure:"packs"`
}

func DefaultPackTable() PackTable {
	return PackTable{
		Packs: []CreditPack{
			{Code: "CREDITS_5", Units: 5, AmountMinor: 100},
			{Code: "CREDITS_20", Units: 20, AmountMinor: 350},
			{Code: "CREDITS_50", Units: 50, AmountMinor: 750},
		},
	}
}

// PackTableHolder serves the current pack catalog and hot-reloads it
// when the backing file changes.
type PackTableHolder struct {
	current atomic.Value // holds PackTable
}

func NewPackTableHolder() (*PackTableHolder, error) {
	v := viper.New()

	v.SetConfigName("packs")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/complykit")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COMPLYKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPackTable()
		v.SetDefault("billing.packs", defaults.Packs)
	}

	var table PackTable
	if err := v.UnmarshalKey("billing", &table); err != nil {
		return nil, err
	}
	if err := validatePackTable(table); err != nil {
		return nil, err
	}

	holder := &PackTableHolder{}
	holder.current.Store(table)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PackTable
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[pack-config] reload failed: %v", err)
			return
		}
		if err := validatePackTable(updated); err != nil {
			log.Printf("[pack-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pack-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPackTableHolder wraps a fixed catalog without file watching.
func NewStaticPackTableHolder(table PackTable) (*PackTableHolder, error) {
	if err := validatePackTable(table); err != nil {
		return nil, err
	}
	holder := &PackTableHolder{}
	holder.current.Store(table)
	return holder, nil
}

func (h *PackTableHolder) Get() PackTable {
	return h.current.Load().(PackTable)
}

// Lookup resolves a pack by code.
func (h *PackTableHolder) Lookup(code string) (CreditPack, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, pack := range h.Get().Packs {
		if pack.Code == code {
			return pack, true
		}
	}
	return CreditPack{}, false
}

func validatePackTable(table PackTable) error {
	if len(table.Packs) == 0 {
		return errors.New("billing.packs cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, pack := range table.Packs {
		code := strings.ToUpper(strings.TrimSpace(pack.Code))
		if code == "" {
			return errors.New("billing.packs entries need a code")
		}
		if pack.Units <= 0 {
			return errors.New("billing.packs entries need positive units")
		}
		if _, dup := seen[code]; dup {
			return errors.New("billing.packs contains duplicate code " + code)
		}
		seen[code] = struct{}{}
	}
	return nil
}
