package backend

import (
	"context"
	"fmt"

	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const (
	labelManaged = "managed-by"
	labelSession = "vlab/session-id"
	managedBy    = "vlabcontroller"

	annotationOwner = "vlab/owner"
	annotationSpec  = "vlab/spec-id"
)

type KubernetesBackend struct {
	clientset *kubernetes.Clientset
	available bool
	inCluster bool
}

func (k *KubernetesBackend) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	k.clientset, err = kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}

	_, err = k.clientset.CoreV1().Namespaces().Get(ctx, config.Cfg.K8sNamespace, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}

	k.available = true
	return nil
}

func (k *KubernetesBackend) IsAvailable(_ context.Context) bool {
	return k.available
}

func (k *KubernetesBackend) Name() string {
	return "kubernetes"
}

func (k *KubernetesBackend) ns() string {
	return config.Cfg.K8sNamespace
}

func unitName(sessionID string) string {
	name := "vlab-" + sessionID
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func sessionSelector(sessionID string) string {
	if sessionID == "" {
		return fmt.Sprintf("%s=%s", labelManaged, managedBy)
	}
	return fmt.Sprintf("%s=%s,%s=%s", labelManaged, managedBy, labelSession, sessionID)
}

// classify maps a client-go error onto the adapter's retry taxonomy.
func classify(op string, err error) error {
	switch {
	case k8serrors.IsInvalid(err), k8serrors.IsBadRequest(err),
		k8serrors.IsForbidden(err), k8serrors.IsRequestEntityTooLargeError(err):
		// Forbidden covers quota-exceeded rejections.
		return permanentErr(op, err)
	default:
		return transientErr(op, err)
	}
}

func (k *KubernetesBackend) CreateUnit(ctx context.Context, unit UnitSpec) (string, error) {
	ns := k.ns()
	name := unitName(unit.SessionID)

	// Idempotency: a retried create after a timeout must not produce a
	// second unit. The session label is checked before creating.
	existing, err := k.ListUnits(ctx, unit.SessionID)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	pod, err := buildPod(unit, ns)
	if err != nil {
		return "", permanentErr("build pod", err)
	}
	if _, err := k.clientset.CoreV1().Pods(ns).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return name, nil
		}
		return "", classify("create pod", err)
	}

	svc := buildUnitService(name, unit, ns)
	if _, err := k.clientset.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		// Roll back the pod so a later retry starts from nothing.
		_ = k.clientset.CoreV1().Pods(ns).Delete(context.Background(), name, metav1.DeleteOptions{})
		return "", classify("create service", err)
	}

	return name, nil
}

func (k *KubernetesBackend) GetStatus(ctx context.Context, ref string) (Status, error) {
	pod, err := k.clientset.CoreV1().Pods(k.ns()).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return StatusGone, nil
		}
		return "", classify("get pod", err)
	}
	if pod.DeletionTimestamp != nil {
		return StatusGone, nil
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil {
				return StatusPending, nil
			}
			if cs.Ready {
				return StatusReady, nil
			}
		}
		return StatusPending, nil
	case corev1.PodPending:
		// Image pull failures keep the pod Pending forever; treat a
		// terminal waiting reason as failed so the engine can give up.
		for _, cs := range pod.Status.ContainerStatuses {
			if w := cs.State.Waiting; w != nil && (w.Reason == "ErrImagePull" || w.Reason == "ImagePullBackOff" || w.Reason == "InvalidImageName") {
				return StatusFailed, nil
			}
		}
		return StatusPending, nil
	case corev1.PodFailed, corev1.PodUnknown:
		return StatusFailed, nil
	case corev1.PodSucceeded:
		// A lab workload that exits on its own is gone, not healthy.
		return StatusGone, nil
	default:
		return StatusPending, nil
	}
}

func (k *KubernetesBackend) GetEndpoint(ctx context.Context, ref string) (string, error) {
	svc, err := k.clientset.CoreV1().Services(k.ns()).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return "", ErrNoEndpoint
		}
		return "", classify("get service", err)
	}
	if svc.Spec.ClusterIP == "" || svc.Spec.ClusterIP == corev1.ClusterIPNone {
		return "", ErrNoEndpoint
	}
	if len(svc.Spec.Ports) == 0 {
		return "", ErrNoEndpoint
	}
	return fmt.Sprintf("%s:%d", svc.Spec.ClusterIP, svc.Spec.Ports[0].Port), nil
}

func (k *KubernetesBackend) DeleteUnit(ctx context.Context, ref string) error {
	ns := k.ns()
	if err := k.clientset.CoreV1().Pods(ns).Delete(ctx, ref, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return classify("delete pod", err)
	}
	if err := k.clientset.CoreV1().Services(ns).Delete(ctx, ref, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return classify("delete service", err)
	}
	return nil
}

func (k *KubernetesBackend) ListUnits(ctx context.Context, sessionID string) ([]string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.ns()).List(ctx, metav1.ListOptions{
		LabelSelector: sessionSelector(sessionID),
	})
	if err != nil {
		return nil, classify("list pods", err)
	}
	refs := make([]string, 0, len(pods.Items))
	for _, pod := range pods.Items {
		refs = append(refs, pod.Name)
	}
	return refs, nil
}

// --- Resource builders ---

func buildPod(unit UnitSpec, ns string) (*corev1.Pod, error) {
	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}
	for _, q := range []struct {
		val  string
		list corev1.ResourceList
		name corev1.ResourceName
	}{
		{unit.CPURequest, requests, corev1.ResourceCPU},
		{unit.MemoryRequest, requests, corev1.ResourceMemory},
		{unit.CPULimit, limits, corev1.ResourceCPU},
		{unit.MemoryLimit, limits, corev1.ResourceMemory},
	} {
		if q.val == "" {
			continue
		}
		qty, err := resource.ParseQuantity(q.val)
		if err != nil {
			return nil, fmt.Errorf("parse %s quantity %q: %w", q.name, q.val, err)
		}
		q.list[q.name] = qty
	}

	var envVars []corev1.EnvVar
	for k, v := range unit.Environment {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      unitName(unit.SessionID),
			Namespace: ns,
			Labels: map[string]string{
				labelManaged: managedBy,
				labelSession: unit.SessionID,
			},
			Annotations: map[string]string{
				annotationOwner: unit.Owner,
				annotationSpec:  unit.SpecID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:            "workload",
				Image:           unit.ContainerImage,
				ImagePullPolicy: corev1.PullIfNotPresent,
				Ports: []corev1.ContainerPort{
					{Name: "http", ContainerPort: int32(unit.Port)},
				},
				Env: envVars,
				Resources: corev1.ResourceRequirements{
					Requests: requests,
					Limits:   limits,
				},
				ReadinessProbe: &corev1.Probe{
					ProbeHandler:        corev1.ProbeHandler{TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(int32(unit.Port))}},
					InitialDelaySeconds: 2,
					PeriodSeconds:       3,
				},
			}},
		},
	}, nil
}

func buildUnitService(name string, unit UnitSpec, ns string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels: map[string]string{
				labelManaged: managedBy,
				labelSession: unit.SessionID,
			},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{labelSession: unit.SessionID},
			Ports: []corev1.ServicePort{
				{Name: "http", Port: int32(unit.Port), TargetPort: intstr.FromInt32(int32(unit.Port)), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}
