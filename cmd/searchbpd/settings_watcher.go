package main

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/search-backpressure/backpressure"
	"github.com/NVIDIA/search-backpressure/cmn/nlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// settingsWatcher polls a JSON file for a backpressure.SettingsToSet
// payload and applies it whenever the file's mtime advances. Stands in
// for the settings transport the controller itself deliberately has no
// opinion on: operators flip enabled/enforced or retune thresholds by
// writing a new file, nothing pushes changes to the daemon.
type settingsWatcher struct {
	path     string
	settings *backpressure.Settings
	lastMod  time.Time
}

func newSettingsWatcher(path string, settings *backpressure.Settings) *settingsWatcher {
	return &settingsWatcher{path: path, settings: settings}
}

// poll is safe to call on every scheduler tick; a missing or unreadable
// file just means the daemon keeps running on its current settings.
func (w *settingsWatcher) poll() {
	if w.path == "" {
		return
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		nlog.Warningf("searchbpd: read settings file %s: %v", w.path, err)
		return
	}

	var upd backpressure.SettingsToSet
	if err := json.Unmarshal(data, &upd); err != nil {
		nlog.Warningf("searchbpd: parse settings file %s: %v", w.path, err)
		return
	}

	w.lastMod = info.ModTime()
	w.settings.Apply(&upd)
	nlog.Infof("searchbpd: applied settings update from %s", w.path)
}
