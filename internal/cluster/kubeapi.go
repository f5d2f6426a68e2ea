// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/manifest"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/ssh"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// DefaultKubeconfig is where kubeadm leaves the admin kubeconfig.
const DefaultKubeconfig = "/etc/kubernetes/admin.conf"

// API drives the cluster through the Kubernetes API from the host.
type API struct {
	client client.Client
	// hostRoot is the host VM root; relative paths resolve against it.
	hostRoot  string
	namespace string
}

var _ Cluster = &API{}

func NewAPI(c client.Client, hostRoot, namespace string) *API {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	return &API{client: c, hostRoot: hostRoot, namespace: namespace}
}

// NewAPIFromVM reads the kubeconfig inside the VM and returns an API
// pointed at vmHost.
func NewAPIFromVM(
	ctx context.Context,
	runner ssh.Runner,
	kubeconfigPath, vmHost, hostRoot, namespace string,
) (*API, error) {
	if kubeconfigPath == "" {
		kubeconfigPath = DefaultKubeconfig
	}
	raw, err := runner.Run(ctx, ssh.RunOptions{Sudo: true, Hide: true}, "cat", kubeconfigPath)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", kubeconfigPath), ErrKubeconfig)
	}

	restConfig, err := NewRESTConfig([]byte(raw), vmHost)
	if err != nil {
		return nil, err
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, errors.Join(err, ErrKubeconfig)
	}
	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, errors.Join(err, ErrKubeconfig)
	}
	return NewAPI(c, hostRoot, namespace), nil
}

// NewRESTConfig parses a kubeconfig and points every cluster at host,
// keeping the original port. The original server name is kept for TLS
// verification since the certificate was issued for it.
func NewRESTConfig(raw []byte, host string) (*rest.Config, error) {
	cfg, err := clientcmd.Load(raw)
	if err != nil {
		return nil, errors.Join(err, ErrKubeconfig)
	}
	if err := rewriteServers(cfg, host); err != nil {
		return nil, err
	}
	restConfig, err := clientcmd.NewDefaultClientConfig(*cfg, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, errors.Join(err, ErrKubeconfig)
	}
	return restConfig, nil
}

func rewriteServers(cfg *clientcmdapi.Config, host string) error {
	for name, c := range cfg.Clusters {
		u, err := url.Parse(c.Server)
		if err != nil {
			return errors.Join(err, fmt.Errorf("cluster=%s", name), ErrKubeconfig)
		}
		if c.TLSServerName == "" {
			c.TLSServerName = u.Hostname()
		}
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(host, port)
		} else {
			u.Host = host
		}
		c.Server = u.String()
	}
	return nil
}

func (a *API) Apply(ctx context.Context, path string) error {
	objs, err := manifest.DecodeFile(filepath.Join(a.hostRoot, path))
	if err != nil {
		return errors.Join(err, ErrApply)
	}
	for _, obj := range objs {
		if err := a.apply(ctx, obj); err != nil {
			return errors.Join(err, fmt.Errorf("path=%s kind=%s name=%s", path, obj.GetKind(), obj.GetName()), ErrApply)
		}
	}
	return nil
}

// apply creates obj or updates it in place.
func (a *API) apply(ctx context.Context, obj *unstructured.Unstructured) error {
	if obj.GetNamespace() == "" {
		namespaced, err := a.client.IsObjectNamespaced(obj)
		if err != nil {
			slog.Debug("cannot resolve object scope, assuming namespaced", "kind", obj.GetKind(), "error", err.Error())
			namespaced = true
		}
		if namespaced {
			obj.SetNamespace(a.namespace)
		}
	}

	existing := &unstructured.Unstructured{}
	existing.SetGroupVersionKind(obj.GroupVersionKind())
	err := a.client.Get(ctx, client.ObjectKeyFromObject(obj), existing)
	switch {
	case apierrors.IsNotFound(err):
		slog.Info("creating object", "kind", obj.GetKind(), "name", obj.GetName())
		return a.client.Create(ctx, obj)
	case err != nil:
		return err
	default:
		slog.Info("updating object", "kind", obj.GetKind(), "name", obj.GetName())
		obj.SetResourceVersion(existing.GetResourceVersion())
		return a.client.Update(ctx, obj)
	}
}

func (a *API) CreateSecretFromFile(ctx context.Context, name, path string) error {
	data, err := os.ReadFile(filepath.Join(a.hostRoot, path))
	if err != nil {
		return errors.Join(err, fmt.Errorf("secret=%s", name), ErrCreateSecret)
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: a.namespace},
		Type:       corev1.SecretTypeOpaque,
		Data:       map[string][]byte{filepath.Base(path): data},
	}
	if err := a.client.Create(ctx, secret); err != nil {
		return errors.Join(err, fmt.Errorf("secret=%s", name), ErrCreateSecret)
	}
	return nil
}

func (a *API) Pods(ctx context.Context) (Snapshot, error) {
	var pods corev1.PodList
	if err := a.client.List(ctx, &pods, client.InNamespace(a.namespace)); err != nil {
		return nil, errors.Join(err, ErrListPods)
	}

	snapshot := make(Snapshot, 0, len(pods.Items))
	for i := range pods.Items {
		snapshot = append(snapshot, podStatus(&pods.Items[i]))
	}
	slices.SortFunc(snapshot, func(x, y PodStatus) int { return strings.Compare(x.Name, y.Name) })
	return snapshot, nil
}

func (a *API) Diagnostics(ctx context.Context) (string, error) {
	snapshot, err := a.Pods(ctx)
	if err != nil {
		return "", errors.Join(err, ErrDiagnostics)
	}

	var events corev1.EventList
	if err := a.client.List(ctx, &events, client.InNamespace(a.namespace)); err != nil {
		return snapshot.String(), errors.Join(err, ErrDiagnostics)
	}

	var b strings.Builder
	b.WriteString(snapshot.String())
	b.WriteString("\n")
	for _, e := range events.Items {
		fmt.Fprintf(&b, "%s\t%s\t%s/%s\t%s\n",
			e.Type, e.Reason, strings.ToLower(e.InvolvedObject.Kind), e.InvolvedObject.Name, e.Message)
	}
	return b.String(), nil
}

// podStatus computes the READY and STATUS columns the way kubectl prints them.
func podStatus(pod *corev1.Pod) PodStatus {
	ps := PodStatus{
		Name:  pod.Name,
		Total: len(pod.Spec.Containers),
	}

	reason := string(pod.Status.Phase)
	if pod.Status.Reason != "" {
		reason = pod.Status.Reason
	}

	initializing := false
	for i, c := range pod.Status.InitContainerStatuses {
		switch {
		case c.State.Terminated != nil && c.State.Terminated.ExitCode == 0:
			continue
		case c.State.Terminated != nil:
			if c.State.Terminated.Reason != "" {
				reason = "Init:" + c.State.Terminated.Reason
			} else {
				reason = fmt.Sprintf("Init:ExitCode:%d", c.State.Terminated.ExitCode)
			}
		case c.State.Waiting != nil && c.State.Waiting.Reason != "" && c.State.Waiting.Reason != "PodInitializing":
			reason = "Init:" + c.State.Waiting.Reason
		default:
			reason = fmt.Sprintf("Init:%d/%d", i, len(pod.Spec.InitContainers))
		}
		initializing = true
		break
	}

	if !initializing {
		hasRunning := false
		for i := len(pod.Status.ContainerStatuses) - 1; i >= 0; i-- {
			c := pod.Status.ContainerStatuses[i]
			switch {
			case c.State.Waiting != nil && c.State.Waiting.Reason != "":
				reason = c.State.Waiting.Reason
			case c.State.Terminated != nil && c.State.Terminated.Reason != "":
				reason = c.State.Terminated.Reason
			case c.State.Terminated != nil:
				reason = fmt.Sprintf("ExitCode:%d", c.State.Terminated.ExitCode)
			case c.Ready && c.State.Running != nil:
				hasRunning = true
				ps.Ready++
			}
		}
		if reason == "Completed" && hasRunning {
			reason = string(corev1.PodRunning)
		}
	}

	if pod.DeletionTimestamp != nil {
		reason = "Terminating"
	}
	ps.Status = reason
	return ps
}
