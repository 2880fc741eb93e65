// Docker metadata exporter for the pipeline compose stack.
//
// Grafana dashboards join pipeline metrics against container metadata
// (image tag, compose service, state) to tell which build of the worker,
// broker, object store and dedup store is running. cAdvisor exposes
// resource usage but not compose labels, hence this sidecar.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	containerInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_container_info",
			Help: "Metadata for containers in the pipeline compose stack",
		},
		[]string{"id", "name", "image", "com_docker_compose_service", "state", "full_id"},
	)
	containerRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_container_running",
			Help: "1 when the compose service's container is in the running state",
		},
		[]string{"com_docker_compose_service"},
	)
)

func init() {
	prometheus.MustRegister(containerInfo, containerRunning)
}

// collect refreshes both gauges from the Docker API. The project filter
// keeps unrelated containers on shared hosts out of the dashboards.
func collect(ctx context.Context, cli *client.Client, project string) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		log.Printf("listing containers: %v", err)
		return
	}

	containerInfo.Reset()
	containerRunning.Reset()

	for _, c := range containers {
		if project != "" && c.Labels["com.docker.compose.project"] != project {
			continue
		}

		fullID := c.ID
		shortID := fullID
		if len(fullID) > 12 {
			shortID = fullID[:12]
		}

		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		service := c.Labels["com.docker.compose.service"]
		if service == "" {
			service = name
		}

		containerInfo.WithLabelValues(shortID, name, c.Image, service, c.State, fullID).Set(1)

		running := 0.0
		if c.State == "running" {
			running = 1
		}
		containerRunning.WithLabelValues(service).Set(running)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := envOr("EXPORTER_ADDR", ":8000")
	project := os.Getenv("COMPOSE_PROJECT")
	interval, err := time.ParseDuration(envOr("SCRAPE_INTERVAL", "15s"))
	if err != nil {
		log.Fatalf("invalid SCRAPE_INTERVAL: %v", err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatalf("creating Docker client: %v", err)
	}
	defer cli.Close()

	go func() {
		for {
			collect(context.Background(), cli, project)
			time.Sleep(interval)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	log.Printf("container exporter listening on %s (project filter: %q)", addr, project)
	log.Fatal(http.ListenAndServe(addr, nil))
}
