package redisstream

// Settings holds Redis Streams transport configuration for Watermill.
// When Enabled is false an in-process gochannel transport is used instead.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "chat-ui",
		Consumer: "ui-1",
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Addr == "" {
		s.Addr = d.Addr
	}
	if s.Group == "" {
		s.Group = d.Group
	}
	if s.Consumer == "" {
		s.Consumer = d.Consumer
	}
	return s
}
