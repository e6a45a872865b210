// Package rollout verifies that a deployed workload converges to its desired
// replica count before the pipeline declares the deploy stage done.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/conveyor-ci/conveyor/logging"
)

// Phase is the observed stage of a rollout.
type Phase string

const (
	PhasePending    Phase = "Pending"
	PhaseRollingOut Phase = "RollingOut"
	PhaseReady      Phase = "Ready"
	PhaseFailed     Phase = "Failed"
	PhaseTimedOut   Phase = "TimedOut"
)

// Terminal reports whether no further polling can change the phase.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseFailed || p == PhaseTimedOut
}

// Target names the deployment to watch.
type Target struct {
	Namespace  string
	Deployment string
	Desired    int32
}

// State is one observation of the rollout.
type State struct {
	Target  Target
	Ready   int32
	Phase   Phase
	Message string
}

// Verifier polls a deployment until it is Ready or the context deadline ends.
type Verifier struct {
	Client   kubernetes.Interface
	Logger   logging.Logger
	Interval time.Duration
}

// Verify polls the target until the rollout reaches a terminal phase. The
// caller bounds the wait through ctx; expiry yields PhaseTimedOut, never an
// ambiguous Ready.
func (v *Verifier) Verify(ctx context.Context, target Target) State {
	interval := v.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := State{Target: target, Phase: PhasePending}
	for {
		state, err := v.observe(ctx, target)
		if err == nil {
			last = state
			v.Logger.Debug("rollout poll", map[string]any{
				"namespace":  target.Namespace,
				"deployment": target.Deployment,
				"ready":      state.Ready,
				"desired":    target.Desired,
				"phase":      string(state.Phase),
			})
			if state.Phase.Terminal() {
				return state
			}
		} else if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			v.Logger.Warn("rollout poll failed", map[string]any{"error": err.Error()})
		}

		select {
		case <-ctx.Done():
			last.Phase = PhaseTimedOut
			last.Message = fmt.Sprintf("rollout not ready before deadline: %d/%d replicas", last.Ready, target.Desired)
			return last
		case <-ticker.C:
		}
	}
}

func (v *Verifier) observe(ctx context.Context, target Target) (State, error) {
	dep, err := v.Client.AppsV1().Deployments(target.Namespace).Get(ctx, target.Deployment, metav1.GetOptions{})
	if err != nil {
		return State{}, fmt.Errorf("getting deployment %s/%s: %w", target.Namespace, target.Deployment, err)
	}

	state := State{Target: target, Ready: dep.Status.ReadyReplicas}

	if msg, failed := failureCondition(dep); failed {
		state.Phase = PhaseFailed
		state.Message = msg
		return state, nil
	}

	// Ready means exact convergence: a surplus of ready replicas (a
	// scale-down still in flight) has not converged yet.
	switch {
	case dep.Status.ReadyReplicas == target.Desired:
		state.Phase = PhaseReady
	case dep.Status.ReadyReplicas > 0:
		state.Phase = PhaseRollingOut
	default:
		state.Phase = PhasePending
	}
	return state, nil
}

// failureCondition reports an unrecoverable rollout error surfaced in the
// deployment's conditions.
func failureCondition(dep *appsv1.Deployment) (string, bool) {
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentReplicaFailure && cond.Status == corev1.ConditionTrue {
			return fmt.Sprintf("replica failure: %s", cond.Message), true
		}
		if cond.Type == appsv1.DeploymentProgressing &&
			cond.Status == corev1.ConditionFalse &&
			cond.Reason == "ProgressDeadlineExceeded" {
			return fmt.Sprintf("progress deadline exceeded: %s", cond.Message), true
		}
	}
	return "", false
}
