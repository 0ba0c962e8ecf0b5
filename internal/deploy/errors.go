package deploy

import (
	"fmt"

	xerrors "OpenAgent-Launchpad/internal/errors"
)

// Step 是流水线步骤名。
type Step string

const (
	StepValidate     Step = "validate"
	StepBuildContext Step = "build_context"
	StepRepository   Step = "ensure_repository"
	StepBuild        Step = "build_image"
	StepPush         Step = "push_image"
	StepService      Step = "deploy_service"
)

// StepError 标记失败的流水线步骤。
type StepError struct {
	Step Step
	Err  error
}

// Error 实现 error 接口。
func (e *StepError) Error() string {
	return fmt.Sprintf("deployment step %s failed: %v", e.Step, e.Err)
}

// Unwrap 返回带错误码的底层错误。
func (e *StepError) Unwrap() error {
	return e.Err
}

// stepFailed 包装步骤错误。已经带错误码的错误保留原码，其余统一为 DEPLOYMENT_STEP_FAILED。
func stepFailed(step Step, err error) error {
	if _, ok := xerrors.From(err); !ok {
		err = xerrors.Wrap(xerrors.CodeDeploymentStep, err, string(step))
	}
	return &StepError{Step: step, Err: err}
}
