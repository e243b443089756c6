package reload

import (
	"github.com/grafana/hotmod/hotapi"
	"github.com/grafana/hotmod/module"
)

// hotapiAcceptsSpecifier answers an async body's `accepts(specifier)`
// query (spec §3's AcceptsFunc) against the registrations inst has
// installed so far during its own evaluation.
func hotapiAcceptsSpecifier(inst *module.ReloadableModuleInstance, specifier string) bool {
	return hotapi.IsAccepted(registrationsOf(inst), []string{specifier})
}
