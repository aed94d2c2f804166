package cfg

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tbarbette/go-middlebox/nicsched"
	"github.com/tbarbette/go-middlebox/sfmaker"
)

// TCPReorderOptions mirrors TCPReorder's keyword configuration
// (spec.md §6.6). FlowDirection picks which half of a connection this
// reorderer instance tracks; it isn't a Reorderer field itself, since
// it's a FlowManager-level wiring decision (which of a flow's two
// directions gets this instance), not a behavior knob.
type TCPReorderOptions struct {
	FlowDirection int
	MergeSort     bool
}

// Elements holds the decoded per-element configuration a middleboxd
// instance wires into its TCPReorder, SFMaker, and NICScheduler
// components, each one starting from that element's own documented
// defaults and overridden only by the keys actually set in the config
// file or environment.
type Elements struct {
	TCPReorder TCPReorderOptions
	SFMaker    sfmaker.Config
	NICSched   nicsched.Config
}

// NewElementViper returns a viper instance configured the way
// LoadElementConfig expects to receive one: yaml, sourced from
// $HOME/.middleboxd/middleboxd.yaml by default, overridable by
// MIDDLEBOXD_-prefixed environment variables (dots replaced with
// underscores, so MIDDLEBOXD_NICSCHEDULER_POLICY sets
// nicscheduler.policy).
func NewElementViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AddConfigPath(cfgDir)
	v.SetConfigName("middleboxd")

	v.AutomaticEnv()
	v.SetEnvPrefix("MIDDLEBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// BindElementFlags registers the NICScheduler tuning flags callers most
// often want to override from the command line, binding them into v
// under the keys LoadElementConfig decodes, mirroring cmd/root.go's
// viper.BindPFlag pattern.
func BindElementFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("nicscheduler.policy", "", "NICScheduler policy: rss, rssrr, or rsspp")
	v.BindPFlag("nicscheduler.policy", flags.Lookup("nicscheduler.policy"))

	flags.Int("nicscheduler.buckets", 0, "RETA table size (number of RSS indirection entries)")
	v.BindPFlag("nicscheduler.buckets", flags.Lookup("nicscheduler.buckets"))

	flags.Float64("nicscheduler.target_load", 0, "Per-core load RSS++ converges toward")
	v.BindPFlag("nicscheduler.target_load", flags.Lookup("nicscheduler.target_load"))

	flags.Bool("nicscheduler.autoscale", false, "Let RSS++ grow/shrink the used core set")
	v.BindPFlag("nicscheduler.autoscale", flags.Lookup("nicscheduler.autoscale"))
}

func parsePriority(s string) (sfmaker.Priority, error) {
	switch strings.ToUpper(s) {
	case "", "SENT":
		return sfmaker.PrioritySent, nil
	case "FIRST":
		return sfmaker.PriorityFirstSeen, nil
	case "DELAY":
		return sfmaker.PriorityDelay, nil
	default:
		return 0, errors.Errorf("cfg: unknown SFMaker PRIO %q", s)
	}
}

func parseModel(s string) (sfmaker.Model, error) {
	switch strings.ToUpper(s) {
	case "", "SECOND":
		return sfmaker.ModelSecond, nil
	case "NONE":
		return sfmaker.ModelNone, nil
	default:
		return 0, errors.Errorf("cfg: unknown SFMaker MODEL %q", s)
	}
}

func parsePolicy(s string) (nicsched.Policy, error) {
	switch strings.ToUpper(s) {
	case "", "RSSPP":
		return nicsched.PolicyRSSPP, nil
	case "RSS":
		return nicsched.PolicyRSS, nil
	case "RSSRR":
		return nicsched.PolicyRSSRR, nil
	default:
		return 0, errors.Errorf("cfg: unknown NICScheduler POLICY %q", s)
	}
}

// LoadElementConfig reads per-element keyword configuration through v
// (as built by NewElementViper, optionally with flags bound in by
// BindElementFlags) and decodes it into typed option structs. path, if
// non-empty, overrides v's configured search path/name. buckets seeds
// NICScheduler's RETA table size default before the BUCKETS key, if
// set, overrides it. A missing config file is not an error: every
// element simply keeps its documented defaults.
func LoadElementConfig(v *viper.Viper, path string, buckets int) (Elements, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Elements{}, errors.Wrap(err, "cfg: failed to read middleboxd config")
		}
	}

	// Keys are read by their full dotted path rather than via v.Sub,
	// since Sub only sees the raw config map and misses anything
	// supplied through a bound flag or an AutomaticEnv environment
	// variable.
	reorder := TCPReorderOptions{MergeSort: true}
	if v.IsSet("tcpreorder.flowdirection") {
		reorder.FlowDirection = v.GetInt("tcpreorder.flowdirection")
	}
	if v.IsSet("tcpreorder.mergesort") {
		reorder.MergeSort = v.GetBool("tcpreorder.mergesort")
	}

	sf := sfmaker.DefaultConfig()
	if v.IsSet("sfmaker.delay") {
		sf.Delay = v.GetDuration("sfmaker.delay")
	}
	if v.IsSet("sfmaker.delay_last") {
		sf.DelayLast = v.GetDuration("sfmaker.delay_last")
	}
	if v.IsSet("sfmaker.delay_hard") {
		sf.DelayHard = v.GetDuration("sfmaker.delay_hard")
	}
	if v.IsSet("sfmaker.prio") {
		p, err := parsePriority(v.GetString("sfmaker.prio"))
		if err != nil {
			return Elements{}, err
		}
		sf.Priority = p
	}
	if v.IsSet("sfmaker.model") {
		m, err := parseModel(v.GetString("sfmaker.model"))
		if err != nil {
			return Elements{}, err
		}
		sf.Model = m
	}
	if v.IsSet("sfmaker.max_burst") {
		sf.MaxBurst = v.GetInt("sfmaker.max_burst")
	}
	if v.IsSet("sfmaker.max_tx_burst") {
		sf.MaxTxBurst = v.GetInt("sfmaker.max_tx_burst")
	}
	if v.IsSet("sfmaker.min_tx_burst") {
		sf.MinTxBurst = v.GetInt("sfmaker.min_tx_burst")
	}
	if v.IsSet("sfmaker.max_tx_delay") {
		sf.MaxTxDelay = v.GetDuration("sfmaker.max_tx_delay")
	}
	if v.IsSet("sfmaker.max_cap") {
		sf.MaxCap = v.GetInt("sfmaker.max_cap")
	}
	if v.IsSet("sfmaker.proto_compress") {
		sf.ProtoCompress = v.GetBool("sfmaker.proto_compress")
	}
	if v.IsSet("sfmaker.reorder") {
		sf.Reorder = v.GetBool("sfmaker.reorder")
	}
	if v.IsSet("sfmaker.bypass_syn") {
		sf.BypassSyn = v.GetBool("sfmaker.bypass_syn")
	}
	if v.IsSet("sfmaker.bypass_after_fail") {
		sf.BypassAfterFail = v.GetInt("sfmaker.bypass_after_fail")
	}
	if v.IsSet("sfmaker.alwaysup") {
		sf.AlwaysUp = v.GetBool("sfmaker.alwaysup")
	}

	nic := nicsched.DefaultConfig(buckets)
	if v.IsSet("nicscheduler.policy") {
		p, err := parsePolicy(v.GetString("nicscheduler.policy"))
		if err != nil {
			return Elements{}, err
		}
		nic.Policy = p
	}
	if v.IsSet("nicscheduler.buckets") && v.GetInt("nicscheduler.buckets") > 0 {
		nic.Buckets = v.GetInt("nicscheduler.buckets")
	}
	if v.IsSet("nicscheduler.tick_min") {
		nic.TickMin = v.GetDuration("nicscheduler.tick_min")
	}
	if v.IsSet("nicscheduler.tick_max") {
		nic.TickMax = v.GetDuration("nicscheduler.tick_max")
	}
	if v.IsSet("nicscheduler.target_load") {
		nic.TargetLoad = v.GetFloat64("nicscheduler.target_load")
	}
	if v.IsSet("nicscheduler.threshold") {
		nic.Threshold = v.GetFloat64("nicscheduler.threshold")
	}
	if v.IsSet("nicscheduler.imbalance_alpha") {
		nic.ImbalanceAlpha = v.GetFloat64("nicscheduler.imbalance_alpha")
	}
	if v.IsSet("nicscheduler.dancer") {
		nic.Dancer = v.GetBool("nicscheduler.dancer")
	}
	if v.IsSet("nicscheduler.numa") {
		nic.NUMA = v.GetBool("nicscheduler.numa")
	}
	if v.IsSet("nicscheduler.autoscale") {
		nic.Autoscale = v.GetBool("nicscheduler.autoscale")
	}
	if v.IsSet("nicscheduler.with_mark") {
		nic.WithMark = v.GetBool("nicscheduler.with_mark")
	}

	return Elements{TCPReorder: reorder, SFMaker: sf, NICSched: nic}, nil
}
