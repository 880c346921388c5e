package sensor

import "github.com/ericogr/energy-monitor/pkg/config"

// buildChannelSettings extracts common per-channel settings from the config.
// byRole holds every enabled channel keyed by role; channels lists the
// enabled ADC inputs; sampleRates only holds inputs with an override.
func buildChannelSettings(cfg config.Config) (byRole map[string]config.ChannelConfig, channels []int, sampleRates map[int]int) {
	byRole = make(map[string]config.ChannelConfig)
	channels = make([]int, 0, len(cfg.Channels))
	sampleRates = make(map[int]int)
	for _, c := range cfg.Channels {
		if c.SampleRate != 0 {
			sampleRates[c.Channel] = c.SampleRate
		}
		if c.Enabled {
			byRole[c.RoleOf()] = c
			channels = append(channels, c.Channel)
		}
	}
	return
}
