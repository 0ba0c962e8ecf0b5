package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// RegistryAuth 是推送镜像所需的短期凭证。
type RegistryAuth struct {
	Username string
	Password string
	Endpoint string
}

// Builder 构建并推送容器镜像。
type Builder interface {
	Build(ctx context.Context, contextDir, platform string, tags []string) error
	Push(ctx context.Context, auth RegistryAuth, tags []string) error
}

// CommandRunner 执行外部命令，stdin 可以为 nil。
type CommandRunner func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

// DockerCLI 通过本机 docker 命令构建与推送镜像。
type DockerCLI struct {
	Binary string
	run    CommandRunner
}

// NewDockerCLI 创建 docker 命令行构建器，runner 为 nil 时使用 os/exec。
func NewDockerCLI(binary string, runner CommandRunner) *DockerCLI {
	if binary == "" {
		binary = "docker"
	}
	if runner == nil {
		runner = execCommand
	}
	return &DockerCLI{Binary: binary, run: runner}
}

// Build 以指定平台构建镜像，避免在 ARM 主机上产出无法在托管平台运行的镜像。
func (d *DockerCLI) Build(ctx context.Context, contextDir, platform string, tags []string) error {
	args := []string{"build", "--platform", platform}
	for _, tag := range tags {
		args = append(args, "-t", tag)
	}
	args = append(args, contextDir)
	if out, err := d.run(ctx, nil, d.Binary, args...); err != nil {
		return fmt.Errorf("docker build 失败: %w: %s", err, tail(out))
	}
	return nil
}

// Push 登录仓库并推送全部标签。
func (d *DockerCLI) Push(ctx context.Context, auth RegistryAuth, tags []string) error {
	login := []string{"login", "--username", auth.Username, "--password-stdin", auth.Endpoint}
	if out, err := d.run(ctx, strings.NewReader(auth.Password), d.Binary, login...); err != nil {
		return fmt.Errorf("docker login 失败: %w: %s", err, tail(out))
	}
	for _, tag := range tags {
		if out, err := d.run(ctx, nil, d.Binary, "push", tag); err != nil {
			return fmt.Errorf("docker push %s 失败: %w: %s", tag, err, tail(out))
		}
	}
	return nil
}

func execCommand(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// tail 只保留命令输出的最后部分，避免日志过长。
func tail(out []byte) string {
	const limit = 2048
	text := strings.TrimSpace(string(out))
	if len(text) > limit {
		text = "..." + text[len(text)-limit:]
	}
	return text
}
