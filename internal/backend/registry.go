package backend

import (
	"context"
	"fmt"
	"log"
)

// Select picks the backend variant at startup. kind is "auto",
// "kubernetes" or "docker"; auto prefers kubernetes when reachable.
// Selection happens once; there is no runtime re-selection.
func Select(ctx context.Context, kind string) (Backend, error) {
	if kind == "auto" || kind == "kubernetes" {
		k8s := &KubernetesBackend{}
		if err := k8s.Initialize(ctx); err == nil && k8s.IsAvailable(ctx) {
			log.Println("Backend: using Kubernetes")
			return k8s, nil
		} else if err != nil && kind == "kubernetes" {
			return nil, fmt.Errorf("kubernetes backend: %w", err)
		} else if err != nil {
			log.Printf("Kubernetes backend unavailable: %v", err)
		}
	}

	if kind == "auto" || kind == "docker" {
		docker := &DockerBackend{}
		if err := docker.Initialize(ctx); err == nil && docker.IsAvailable(ctx) {
			log.Println("Backend: using Docker")
			return docker, nil
		} else if err != nil && kind == "docker" {
			return nil, fmt.Errorf("docker backend: %w", err)
		} else if err != nil {
			log.Printf("Docker backend unavailable: %v", err)
		}
	}

	return nil, fmt.Errorf("no backend available (tried: %s)", kind)
}
