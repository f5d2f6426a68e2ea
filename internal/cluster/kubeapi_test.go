//go:build unit

package cluster_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newFakeClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))

	mapper := meta.NewDefaultRESTMapper(nil)
	for gvk, scope := range map[schema.GroupVersionKind]meta.RESTScope{
		appsv1.SchemeGroupVersion.WithKind("StatefulSet"):     meta.RESTScopeNamespace,
		appsv1.SchemeGroupVersion.WithKind("DaemonSet"):       meta.RESTScopeNamespace,
		storagev1.SchemeGroupVersion.WithKind("StorageClass"): meta.RESTScopeRoot,
		corev1.SchemeGroupVersion.WithKind("Pod"):             meta.RESTScopeNamespace,
		corev1.SchemeGroupVersion.WithKind("Secret"):          meta.RESTScopeNamespace,
		corev1.SchemeGroupVersion.WithKind("Event"):           meta.RESTScopeNamespace,
	} {
		mapper.Add(gvk, scope)
	}

	return fake.NewClientBuilder().
		WithScheme(scheme).
		WithRESTMapper(mapper).
		WithObjects(objs...).
		Build()
}

func runningContainer(name string) corev1.ContainerStatus {
	return corev1.ContainerStatus{
		Name:  name,
		Ready: true,
		State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
	}
}

func pod(name string, phase corev1.PodPhase, containers int, statuses ...corev1.ContainerStatus) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: metav1.NamespaceDefault},
		Status:     corev1.PodStatus{Phase: phase, ContainerStatuses: statuses},
	}
	for i := 0; i < containers; i++ {
		p.Spec.Containers = append(p.Spec.Containers, corev1.Container{Name: "c" + string(rune('0'+i))})
	}
	return p
}

func TestAPI_Pods(t *testing.T) {
	initPod := pod("nginx", corev1.PodPending, 1)
	initPod.Spec.InitContainers = []corev1.Container{{Name: "init"}}
	initPod.Status.InitContainerStatuses = []corev1.ContainerStatus{{
		Name:  "init",
		State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "PodInitializing"}},
	}}

	c := newFakeClient(t,
		pod("joviandss-csi-node-x7k2p", corev1.PodPending, 2,
			runningContainer("c0"),
			corev1.ContainerStatus{
				Name:  "c1",
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ContainerCreating"}},
			},
		),
		pod("joviandss-csi-controller-0", corev1.PodRunning, 3,
			runningContainer("c0"), runningContainer("c1"), runningContainer("c2")),
		initPod,
	)
	api := cluster.NewAPI(c, t.TempDir(), "")

	snapshot, err := api.Pods(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cluster.Snapshot{
		{Name: "joviandss-csi-controller-0", Ready: 3, Total: 3, Status: "Running"},
		{Name: "joviandss-csi-node-x7k2p", Ready: 1, Total: 2, Status: "ContainerCreating"},
		{Name: "nginx", Ready: 0, Total: 1, Status: "Init:0/1"},
	}, snapshot)
}

const apiManifest = `apiVersion: apps/v1
kind: StatefulSet
metadata:
  name: joviandss-csi-controller
spec:
  serviceName: joviandss-csi-controller
  selector:
    matchLabels:
      app: joviandss-csi-controller
  template:
    metadata:
      labels:
        app: joviandss-csi-controller
    spec:
      containers:
        - name: joviandss-csi-plugin
          image: opene/joviandss-csi:v1
---
apiVersion: storage.k8s.io/v1
kind: StorageClass
metadata:
  name: joviandss-csi-sc
provisioner: com.open-e.joviandss.csi
`

func TestAPI_Apply(t *testing.T) {
	root := t.TempDir()
	rel := filepath.Join("build", "src", "deploy", "joviandss", "joviandss-csi-controller.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, rel)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte(apiManifest), 0o644))

	c := newFakeClient(t)
	api := cluster.NewAPI(c, root, "")
	ctx := context.Background()

	require.NoError(t, api.Apply(ctx, rel))

	var sts appsv1.StatefulSet
	require.NoError(t, c.Get(ctx, types.NamespacedName{Namespace: "default", Name: "joviandss-csi-controller"}, &sts))
	assert.Equal(t, "opene/joviandss-csi:v1", sts.Spec.Template.Spec.Containers[0].Image)

	var sc storagev1.StorageClass
	require.NoError(t, c.Get(ctx, types.NamespacedName{Name: "joviandss-csi-sc"}, &sc))
	assert.Equal(t, "com.open-e.joviandss.csi", sc.Provisioner)

	t.Run("updates existing objects", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, rel),
			[]byte(strings.ReplaceAll(apiManifest, "opene/joviandss-csi:v1", "opene/joviandss-csi:v2")), 0o644))

		require.NoError(t, api.Apply(ctx, rel))

		require.NoError(t, c.Get(ctx, types.NamespacedName{Namespace: "default", Name: "joviandss-csi-controller"}, &sts))
		assert.Equal(t, "opene/joviandss-csi:v2", sts.Spec.Template.Spec.Containers[0].Image)
	})

	t.Run("missing manifest", func(t *testing.T) {
		assert.ErrorIs(t, api.Apply(ctx, "missing.yaml"), cluster.ErrApply)
	})
}

func TestAPI_CreateSecretFromFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build", "controller-cfg.yaml"), []byte("user: admin\n"), 0o600))

	c := newFakeClient(t)
	api := cluster.NewAPI(c, root, "")
	ctx := context.Background()

	require.NoError(t, api.CreateSecretFromFile(ctx, "jdss-controller-cfg", "build/controller-cfg.yaml"))

	var secret corev1.Secret
	require.NoError(t, c.Get(ctx, types.NamespacedName{Namespace: "default", Name: "jdss-controller-cfg"}, &secret))
	assert.Equal(t, []byte("user: admin\n"), secret.Data["controller-cfg.yaml"])

	err := api.CreateSecretFromFile(ctx, "jdss-controller-cfg", "build/controller-cfg.yaml")
	assert.ErrorIs(t, err, cluster.ErrCreateSecret, "secrets are created, never updated")
}

func TestAPI_Diagnostics(t *testing.T) {
	event := &corev1.Event{
		ObjectMeta:     metav1.ObjectMeta{Name: "nginx.1", Namespace: "default"},
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "nginx"},
		Type:           corev1.EventTypeWarning,
		Reason:         "FailedMount",
		Message:        "MountVolume.SetUp failed",
	}
	c := newFakeClient(t, pod("nginx", corev1.PodPending, 1), event)
	api := cluster.NewAPI(c, t.TempDir(), "")

	diag, err := api.Diagnostics(context.Background())
	require.NoError(t, err)

	assert.Contains(t, diag, "nginx 0/1 Pending")
	assert.Contains(t, diag, "Warning\tFailedMount\tpod/nginx\tMountVolume.SetUp failed")
}

const kubeconfig = `apiVersion: v1
kind: Config
clusters:
  - name: kubernetes
    cluster:
      server: https://127.0.0.1:6443
contexts:
  - name: kubernetes-admin@kubernetes
    context:
      cluster: kubernetes
      user: kubernetes-admin
current-context: kubernetes-admin@kubernetes
users:
  - name: kubernetes-admin
    user:
      token: abc
`

func TestNewRESTConfig(t *testing.T) {
	cfg, err := cluster.NewRESTConfig([]byte(kubeconfig), "192.168.122.10")
	require.NoError(t, err)

	assert.Equal(t, "https://192.168.122.10:6443", cfg.Host)
	assert.Equal(t, "127.0.0.1", cfg.TLSClientConfig.ServerName)
	assert.Equal(t, "abc", cfg.BearerToken)

	_, err = cluster.NewRESTConfig([]byte("not: [a kubeconfig"), "192.168.122.10")
	assert.ErrorIs(t, err, cluster.ErrKubeconfig)
}
