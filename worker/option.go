package worker

type scheduleConfig struct {
	ID   string
	Name string
}

type ScheduleOption interface {
	applyScheduleOption(scheduleConfig) scheduleConfig
}

type scheduleOptions []ScheduleOption

func (opts scheduleOptions) applyScheduleOptions(cfg scheduleConfig) scheduleConfig {
	for _, opt := range opts {
		cfg = opt.applyScheduleOption(cfg)
	}
	return cfg
}

type scheduleOptionFunc func(scheduleConfig) scheduleConfig

func (f scheduleOptionFunc) applyScheduleOption(cfg scheduleConfig) scheduleConfig {
	return f(cfg)
}

// WithName sets a human readable name for the task, used in logs, metrics, and traces.
func WithName(name string) ScheduleOption {
	return scheduleOptionFunc(func(cfg scheduleConfig) scheduleConfig {
		cfg.Name = name
		return cfg
	})
}

// WithID sets the id of the task. By default a random id is generated.
func WithID(id string) ScheduleOption {
	return scheduleOptionFunc(func(cfg scheduleConfig) scheduleConfig {
		cfg.ID = id
		return cfg
	})
}
