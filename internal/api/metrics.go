package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/internal/node"
)

var metricStates = []node.State{
	node.StatePending,
	node.StateStarting,
	node.StateRunning,
	node.StateOutdated,
	node.StateFinishing,
	node.StateError,
	node.StateTerminated,
}

var liveStates = metricStates[:len(metricStates)-1]

// handleMetrics renders fleet gauges in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountNodes(r.Context())
	if err != nil {
		http.Error(w, "nodes metrics failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	// Terminated records are kept forever, so only live nodes are loaded.
	live, err := s.store.ListNodes(r.Context(), fleet.ListFilter{States: liveStates})
	if err != nil {
		http.Error(w, "nodes metrics failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	activeID := int64(0)
	if active, err := s.store.ActiveDeployment(r.Context()); err == nil {
		activeID = active.ID
	} else if !errors.Is(err, fleet.ErrNoDeployment) {
		http.Error(w, "deployment metrics failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	total := 0
	stateCounts := make(map[string]int, len(metricStates))
	for _, state := range metricStates {
		stateCounts[string(state)] = counts[state]
		total += counts[state]
	}
	routingIDs := make(map[string]struct{})
	pendingTerminations := 0
	outdated := 0
	for _, n := range live {
		routingIDs[n.RoutingID] = struct{}{}
		if n.TerminateAttempts > 0 {
			pendingTerminations++
		}
		if activeID > 0 && n.DeploymentID != activeID {
			outdated++
		}
	}

	var b strings.Builder
	fmt.Fprintln(&b, "# HELP runner_fleet_nodes_total Number of node records")
	fmt.Fprintln(&b, "# TYPE runner_fleet_nodes_total gauge")
	fmt.Fprintf(&b, "runner_fleet_nodes_total %d\n", total)
	fmt.Fprintln(&b, "# HELP runner_fleet_nodes_state_total Node count by state")
	fmt.Fprintln(&b, "# TYPE runner_fleet_nodes_state_total gauge")
	for _, key := range sortedIntMapKeys(stateCounts) {
		fmt.Fprintf(&b, "runner_fleet_nodes_state_total{state=%q} %d\n", metricLabelEscape(key), stateCounts[key])
	}
	fmt.Fprintln(&b, "# HELP runner_fleet_routing_ids_live Routing IDs with at least one live node")
	fmt.Fprintln(&b, "# TYPE runner_fleet_routing_ids_live gauge")
	fmt.Fprintf(&b, "runner_fleet_routing_ids_live %d\n", len(routingIDs))
	fmt.Fprintln(&b, "# HELP runner_fleet_nodes_terminate_retrying Live nodes with at least one failed terminate attempt")
	fmt.Fprintln(&b, "# TYPE runner_fleet_nodes_terminate_retrying gauge")
	fmt.Fprintf(&b, "runner_fleet_nodes_terminate_retrying %d\n", pendingTerminations)
	fmt.Fprintln(&b, "# HELP runner_fleet_nodes_superseded Live nodes on a deployment other than the active one")
	fmt.Fprintln(&b, "# TYPE runner_fleet_nodes_superseded gauge")
	fmt.Fprintf(&b, "runner_fleet_nodes_superseded %d\n", outdated)
	fmt.Fprintln(&b, "# HELP runner_fleet_active_deployment_id ID of the active deployment, 0 when none")
	fmt.Fprintln(&b, "# TYPE runner_fleet_active_deployment_id gauge")
	fmt.Fprintf(&b, "runner_fleet_active_deployment_id %d\n", activeID)
	if s.stream != nil {
		fmt.Fprintln(&b, "# HELP runner_fleet_event_stream_subscribers Connected event stream subscribers")
		fmt.Fprintln(&b, "# TYPE runner_fleet_event_stream_subscribers gauge")
		fmt.Fprintf(&b, "runner_fleet_event_stream_subscribers %d\n", s.stream.Subscribers())
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func sortedIntMapKeys(values map[string]int) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func metricLabelEscape(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(escaped, `"`, `\"`)
}
