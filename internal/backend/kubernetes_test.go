package backend

import (
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
)

func sampleUnit() UnitSpec {
	return UnitSpec{
		SessionID:      "8f14e45f-ceea-4f3a-9b1d-000000000001",
		Owner:          "alice",
		SpecID:         "rstudio",
		ContainerImage: "vlab/rstudio:latest",
		Port:           8787,
		CPURequest:     "250m",
		CPULimit:       "1",
		MemoryRequest:  "512Mi",
		MemoryLimit:    "2Gi",
		Environment:    map[string]string{"DISABLE_AUTH": "true"},
	}
}

func TestBuildPod(t *testing.T) {
	unit := sampleUnit()
	pod, err := buildPod(unit, "vlab")
	if err != nil {
		t.Fatalf("build pod: %v", err)
	}

	if pod.Name != "vlab-"+unit.SessionID {
		t.Errorf("unexpected pod name %q", pod.Name)
	}
	if pod.Labels[labelSession] != unit.SessionID {
		t.Errorf("session label missing, got %v", pod.Labels)
	}
	if pod.Labels[labelManaged] != managedBy {
		t.Errorf("managed-by label missing, got %v", pod.Labels)
	}
	if pod.Annotations[annotationOwner] != "alice" || pod.Annotations[annotationSpec] != "rstudio" {
		t.Errorf("ownership annotations wrong: %v", pod.Annotations)
	}
	if pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("expected RestartPolicy Never, got %s", pod.Spec.RestartPolicy)
	}

	c := pod.Spec.Containers[0]
	if c.Image != "vlab/rstudio:latest" {
		t.Errorf("wrong image %q", c.Image)
	}
	if c.Ports[0].ContainerPort != 8787 {
		t.Errorf("wrong port %d", c.Ports[0].ContainerPort)
	}
	if c.ReadinessProbe == nil || c.ReadinessProbe.TCPSocket == nil {
		t.Fatal("expected a TCP readiness probe")
	}
	if got := c.Resources.Requests[corev1.ResourceCPU]; got.String() != "250m" {
		t.Errorf("cpu request %s", got.String())
	}
	if got := c.Resources.Limits[corev1.ResourceMemory]; got.String() != "2Gi" {
		t.Errorf("memory limit %s", got.String())
	}

	found := false
	for _, env := range c.Env {
		if env.Name == "DISABLE_AUTH" && env.Value == "true" {
			found = true
		}
	}
	if !found {
		t.Errorf("environment not propagated: %v", c.Env)
	}
}

func TestBuildPod_RejectsBadQuantity(t *testing.T) {
	unit := sampleUnit()
	unit.MemoryLimit = "two gigabytes"
	if _, err := buildPod(unit, "vlab"); err == nil {
		t.Fatal("expected an error for an unparsable quantity")
	}
}

func TestBuildUnitService(t *testing.T) {
	unit := sampleUnit()
	svc := buildUnitService(unitName(unit.SessionID), unit, "vlab")

	if svc.Spec.Type != corev1.ServiceTypeClusterIP {
		t.Errorf("expected ClusterIP, got %s", svc.Spec.Type)
	}
	if svc.Spec.Selector[labelSession] != unit.SessionID {
		t.Errorf("selector must target the session pod, got %v", svc.Spec.Selector)
	}
	if svc.Spec.Ports[0].Port != 8787 {
		t.Errorf("wrong service port %d", svc.Spec.Ports[0].Port)
	}
}

func TestUnitName_Truncates(t *testing.T) {
	long := strings.Repeat("a", 80)
	name := unitName(long)
	if len(name) != 63 {
		t.Errorf("expected 63 chars, got %d", len(name))
	}
	if !strings.HasPrefix(name, "vlab-") {
		t.Errorf("prefix lost: %q", name)
	}
}

func TestSessionSelector(t *testing.T) {
	all := sessionSelector("")
	if all != "managed-by=vlabcontroller" {
		t.Errorf("unexpected selector %q", all)
	}
	one := sessionSelector("abc")
	if one != "managed-by=vlabcontroller,vlab/session-id=abc" {
		t.Errorf("unexpected selector %q", one)
	}
}
