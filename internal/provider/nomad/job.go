package nomad

import (
	"strconv"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

const (
	portLabel   = "http"
	taskName    = "runner"
	jobPriority = 50
)

// buildJob turns one node into a single-allocation service job named after it.
func buildJob(cfg Config, n node.Node, env map[string]string) *nomadapi.Job {
	name := n.Name()
	job := nomadapi.NewServiceJob(name, name, cfg.Region, jobPriority)
	job.Datacenters = cfg.Datacenters
	job.Meta = map[string]string{
		"runner_fleet_node_id":    strconv.FormatInt(n.ID, 10),
		"runner_fleet_routing_id": n.RoutingID,
	}

	tg := nomadapi.NewTaskGroup(taskName, 1)

	attempts := 2
	interval := 5 * time.Minute
	delay := 15 * time.Second
	mode := "fail"
	tg.RestartPolicy = &nomadapi.RestartPolicy{
		Attempts: &attempts,
		Interval: &interval,
		Delay:    &delay,
		Mode:     &mode,
	}

	storage := n.StorageMB
	tg.EphemeralDisk = &nomadapi.EphemeralDisk{SizeMB: &storage}

	tg.Networks = []*nomadapi.NetworkResource{{
		DynamicPorts: []nomadapi.Port{{Label: portLabel, To: cfg.Port}},
	}}
	tg.Services = []*nomadapi.Service{{
		Name:      name,
		PortLabel: portLabel,
		Provider:  "consul",
		Checks: []nomadapi.ServiceCheck{{
			Type:     "http",
			Path:     "/health",
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
		}},
	}}

	task := nomadapi.NewTask(taskName, "docker")
	task.Config = map[string]interface{}{
		"image": n.Image,
		"ports": []string{portLabel},
	}
	task.Env = env

	cpu := n.CPUMilli
	mem := n.MemoryMB
	task.Resources = &nomadapi.Resources{
		CPU:      &cpu,
		MemoryMB: &mem,
	}

	tg.Tasks = []*nomadapi.Task{task}
	job.TaskGroups = []*nomadapi.TaskGroup{tg}
	return job
}
