package graph

import (
	"github.com/Masterminds/semver/v3"
)

// validateVersion requires every plugin to declare a parseable semantic
// version so the audit trail's plugin_version column is comparable across
// runs. An empty version is rejected the same as a malformed one.
func validateVersion(pluginName, version string) error {
	if version == "" {
		return invalid("plugin_version", "plugin %q declares no version", pluginName)
	}
	if _, err := semver.NewVersion(version); err != nil {
		return invalid("plugin_version", "plugin %q version %q: %v", pluginName, version, err)
	}
	return nil
}
