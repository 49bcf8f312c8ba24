package vars

import (
	"expvar"

	kexpvar "github.com/tradewire/tradewire/expvar"
	"github.com/tradewire/tradewire/uuid"
)

// stats is the top level map all per-component statistics hang off of. It
// is published under the product name next to the global counters.
var stats = (&kexpvar.Map{}).Init()

func init() {
	expvar.Publish(Product, stats)
}

// NewStatistic publishes a named, tagged statistics map and returns its
// key together with the values map the caller writes its counters into.
// The cluster, server and host identity tags are always included.
// Callers that come and go, per-cluster Kafka writers for instance,
// remove the entry again with DeleteStatistic when they close.
func NewStatistic(name string, tags map[string]string) (string, *kexpvar.Map) {
	key := uuid.New().String()

	nameVar := &kexpvar.String{}
	nameVar.Set(name)

	tagsVar := (&kexpvar.Map{}).Init()
	for k, v := range tags {
		sv := &kexpvar.String{}
		sv.Set(v)
		tagsVar.Set(k, sv)
	}
	tagsVar.Set(ClusterIDVarName, ClusterIDVar)
	tagsVar.Set(ServerIDVarName, ServerIDVar)
	tagsVar.Set(HostVarName, HostVar)

	values := (&kexpvar.Map{}).Init()

	entry := (&kexpvar.Map{}).Init()
	entry.Set("name", nameVar)
	entry.Set("tags", tagsVar)
	entry.Set("values", values)
	stats.Set(key, entry)

	return key, values
}

// DeleteStatistic removes a statistic published with NewStatistic.
func DeleteStatistic(key string) {
	stats.Delete(key)
}
