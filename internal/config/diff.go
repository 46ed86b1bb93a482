package config

// Diff describes what changed between two configs and whether the change can
// be applied to a running process.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CoachingChanged is set when level, goal or native language changed.
	// Takes effect for the next session.
	CoachingChanged bool

	// LiveChanged is set when model, voice or transcription flags changed.
	// Takes effect for the next session.
	LiveChanged bool

	// RestartRequired is set when a setting that is bound at startup changed
	// (provider, credentials, endpoint, audio backend or listener).
	RestartRequired bool
}

// Empty reports whether nothing relevant changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.CoachingChanged && !d.LiveChanged && !d.RestartRequired
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.CoachingChanged = old.Coaching != new.Coaching

	ol, nl := old.Live, new.Live
	d.LiveChanged = ol.Model != nl.Model ||
		ol.Voice != nl.Voice ||
		Enabled(ol.InputTranscription, true) != Enabled(nl.InputTranscription, true) ||
		Enabled(ol.OutputTranscription, true) != Enabled(nl.OutputTranscription, true)

	d.RestartRequired = ol.Provider != nl.Provider ||
		ol.APIKey != nl.APIKey ||
		ol.BaseURL != nl.BaseURL ||
		ol.APIVersion != nl.APIVersion ||
		ol.SendQueue != nl.SendQueue ||
		old.Audio != new.Audio ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		old.History != new.History

	return d
}
