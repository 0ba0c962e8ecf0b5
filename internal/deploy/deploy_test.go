package deploy

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apprunner"
	artypes "github.com/aws/aws-sdk-go-v2/service/apprunner/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"OpenAgent-Launchpad/internal/config"
	xerrors "OpenAgent-Launchpad/internal/errors"
)

const (
	testOwner    = "0x1111111111111111111111111111111111111111"
	testStrategy = `
name: baseline
chain: polygon
funding_token: POL
target_token: USDC
target_amount: 0.01
funding_threshold: 0.01
interval: 20m
`
)

type fakeRegistry struct {
	repoErr error
	authErr error
	repos   []string
}

func (r *fakeRegistry) EnsureRepository(_ context.Context, name string) (string, error) {
	r.repos = append(r.repos, name)
	if r.repoErr != nil {
		return "", r.repoErr
	}
	return "123456789012.dkr.ecr.us-east-1.amazonaws.com/" + name, nil
}

func (r *fakeRegistry) Authorization(context.Context) (RegistryAuth, error) {
	if r.authErr != nil {
		return RegistryAuth{}, r.authErr
	}
	return RegistryAuth{Username: "AWS", Password: "secret", Endpoint: "https://registry"}, nil
}

type fakeBuilder struct {
	buildErr error
	dir      string
	platform string
	tags     []string
	files    map[string]string
	pushed   []string
}

func (b *fakeBuilder) Build(_ context.Context, dir, platform string, tags []string) error {
	b.dir = dir
	b.platform = platform
	b.tags = tags
	b.files = make(map[string]string)
	for _, name := range []string{"Dockerfile", "strategy.yaml", ManifestFileName, "support/harness.txt"} {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			b.files[name] = string(content)
		}
	}
	return b.buildErr
}

func (b *fakeBuilder) Push(_ context.Context, auth RegistryAuth, tags []string) error {
	if auth.Username != "AWS" {
		return errors.New("unexpected credentials")
	}
	b.pushed = append(b.pushed, tags...)
	return nil
}

type fakeServices struct {
	spec ServiceSpec
	mode Mode
}

func (s *fakeServices) Deploy(_ context.Context, spec ServiceSpec, mode Mode) (Service, error) {
	s.spec = spec
	s.mode = mode
	return Service{Name: spec.Name, ARN: "arn:svc", URL: "https://abc.awsapprunner.com"}, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	support := t.TempDir()
	if err := os.WriteFile(filepath.Join(support, "harness.txt"), []byte("harness"), 0o644); err != nil {
		t.Fatalf("write support file: %v", err)
	}
	return Config{
		Region:        "us-east-1",
		AccountID:     "123456789012",
		AccessRoleARN: "arn:aws:iam::123456789012:role/apprunner",
		BaseImage:     "openagent/agentd:latest",
		SupportDir:    support,
		RuntimeEnv:    map[string]string{"PRIVY_APP_ID": "app"},
		WorkDir:       t.TempDir(),
	}
}

func newTestPipeline(t *testing.T, cfg Config, registry *fakeRegistry, builder *fakeBuilder, services *fakeServices) *Pipeline {
	t.Helper()
	p, err := NewPipeline(cfg, registry, builder, services)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestDeployRunsAllSteps(t *testing.T) {
	registry := &fakeRegistry{}
	builder := &fakeBuilder{}
	services := &fakeServices{}
	p := newTestPipeline(t, testConfig(t), registry, builder, services)

	result, err := p.Deploy(context.Background(), Request{AgentID: "Agent42", OwnerAddress: testOwner, Strategy: testStrategy})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.ServiceURL != "https://abc.awsapprunner.com" {
		t.Fatalf("unexpected url %s", result.ServiceURL)
	}
	if result.ServiceName != "agent-agent42" || registry.repos[0] != "agent-agent42" {
		t.Fatalf("unexpected naming: %+v repos=%v", result, registry.repos)
	}
	if result.BuildID == "" || !strings.HasSuffix(result.ImageURI, "/agent-agent42:"+result.BuildID) {
		t.Fatalf("unexpected image %s", result.ImageURI)
	}
	if services.spec.ImageURI != result.ImageURI {
		t.Fatalf("service must reference the unique build tag, got %s", services.spec.ImageURI)
	}
	if builder.platform != "linux/amd64" {
		t.Fatalf("expected forced platform, got %s", builder.platform)
	}
	if len(builder.tags) != 2 || !strings.HasSuffix(builder.tags[0], ":latest") || builder.tags[1] != result.ImageURI {
		t.Fatalf("unexpected tags %v", builder.tags)
	}
	if len(builder.pushed) != 2 {
		t.Fatalf("expected both tags pushed, got %v", builder.pushed)
	}

	dockerfile := builder.files["Dockerfile"]
	if !strings.Contains(dockerfile, "FROM --platform=linux/amd64 openagent/agentd:latest") {
		t.Fatalf("unexpected Dockerfile:\n%s", dockerfile)
	}
	if !strings.Contains(dockerfile, "COPY support/ /app/support/") {
		t.Fatalf("support files not copied:\n%s", dockerfile)
	}
	if !strings.Contains(builder.files["strategy.yaml"], "target_token: USDC") {
		t.Fatalf("unexpected strategy file:\n%s", builder.files["strategy.yaml"])
	}
	if !strings.Contains(builder.files[ManifestFileName], `"agentId": "Agent42"`) {
		t.Fatalf("unexpected manifest:\n%s", builder.files[ManifestFileName])
	}
	if builder.files["support/harness.txt"] != "harness" {
		t.Fatalf("support file missing from build context")
	}
	if _, err := os.Stat(builder.dir); !os.IsNotExist(err) {
		t.Fatalf("build directory should be removed, stat err=%v", err)
	}

	env := services.spec.Env
	if env["OWNER_ADDRESS"] != testOwner || env["AGENT_ID"] != "Agent42" || env["PORT"] != "3000" || env["PRIVY_APP_ID"] != "app" {
		t.Fatalf("unexpected runtime env %v", env)
	}
	if env["STRATEGY_PATH"] != StrategyMountPath {
		t.Fatalf("unexpected strategy path %s", env["STRATEGY_PATH"])
	}
	if services.spec.HealthCheckPath != "/health" || services.mode != ModeReplace {
		t.Fatalf("unexpected service spec %+v mode=%s", services.spec, services.mode)
	}
}

func TestDeployDefaultsBaseImage(t *testing.T) {
	cfg := testConfig(t)
	cfg.BaseImage = ""
	builder := &fakeBuilder{}
	p := newTestPipeline(t, cfg, &fakeRegistry{}, builder, &fakeServices{})

	if _, err := p.Deploy(context.Background(), Request{AgentID: "a1", OwnerAddress: testOwner, Strategy: testStrategy}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !strings.Contains(builder.files["Dockerfile"], "FROM --platform=linux/amd64 "+DefaultBaseImage+"\n") {
		t.Fatalf("expected default base image:\n%s", builder.files["Dockerfile"])
	}
}

func TestDeployMissingConfiguration(t *testing.T) {
	cfg := testConfig(t)
	cfg.AccountID = ""
	cfg.AccessRoleARN = ""
	registry := &fakeRegistry{}
	p := newTestPipeline(t, cfg, registry, &fakeBuilder{}, &fakeServices{})

	_, err := p.Deploy(context.Background(), Request{AgentID: "a1", OwnerAddress: testOwner, Strategy: testStrategy})
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepValidate {
		t.Fatalf("expected validate step error, got %v", err)
	}
	if !xerrors.HasCode(err, xerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "AWS_ACCOUNT_ID") || !strings.Contains(err.Error(), "APPRUNNER_ACCESS_ROLE_ARN") {
		t.Fatalf("error should name missing variables: %v", err)
	}
	if len(registry.repos) != 0 {
		t.Fatalf("no cloud call expected before validation passes")
	}
}

func TestDeployRejectsInvalidInput(t *testing.T) {
	p := newTestPipeline(t, testConfig(t), &fakeRegistry{}, &fakeBuilder{}, &fakeServices{})
	cases := []Request{
		{AgentID: "", OwnerAddress: testOwner, Strategy: testStrategy},
		{AgentID: strings.Repeat("x", 40), OwnerAddress: testOwner, Strategy: testStrategy},
		{AgentID: "a1", OwnerAddress: "not-an-address", Strategy: testStrategy},
		{AgentID: "a1", OwnerAddress: testOwner, Strategy: "name: x\nchain: polygon\n"},
	}
	for _, req := range cases {
		_, err := p.Deploy(context.Background(), req)
		if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("expected invalid argument for %+v, got %v", req, err)
		}
	}
}

func TestDeployBuildFailureCleansUp(t *testing.T) {
	builder := &fakeBuilder{buildErr: errors.New("docker exploded")}
	services := &fakeServices{}
	p := newTestPipeline(t, testConfig(t), &fakeRegistry{}, builder, services)

	_, err := p.Deploy(context.Background(), Request{AgentID: "a1", OwnerAddress: testOwner, Strategy: testStrategy})
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepBuild {
		t.Fatalf("expected build step error, got %v", err)
	}
	if !xerrors.HasCode(err, xerrors.CodeDeploymentStep) {
		t.Fatalf("expected deployment step code, got %v", err)
	}
	if _, statErr := os.Stat(builder.dir); !os.IsNotExist(statErr) {
		t.Fatalf("build directory should be removed after failure")
	}
	if services.spec.Name != "" {
		t.Fatalf("service must not be deployed after build failure")
	}
}

func TestConfigFromCopiesRuntimeSecrets(t *testing.T) {
	env := map[string]string{
		"AWS_REGION":       "eu-west-1",
		"PRIVY_APP_ID":     "app",
		"PRIVY_APP_SECRET": "secret",
	}
	cfg, err := config.LoadWithEnv("", func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	dc := ConfigFrom(cfg)
	if dc.Region != "eu-west-1" || dc.Mode != ModeReplace || dc.Port != "3000" {
		t.Fatalf("unexpected deploy config %+v", dc)
	}
	if dc.RuntimeEnv["PRIVY_APP_SECRET"] != "secret" {
		t.Fatalf("runtime secrets not copied: %v", dc.RuntimeEnv)
	}
	if _, ok := dc.RuntimeEnv["LIFI_API_KEY"]; ok {
		t.Fatalf("empty secrets should be skipped")
	}
}

type fakeECR struct {
	createErr error
	token     string
}

func (f *fakeECR) CreateRepository(_ context.Context, in *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &ecr.CreateRepositoryOutput{Repository: &ecrtypes.Repository{
		RepositoryUri: aws.String("new.example/" + aws.ToString(in.RepositoryName)),
	}}, nil
}

func (f *fakeECR) DescribeRepositories(_ context.Context, in *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	return &ecr.DescribeRepositoriesOutput{Repositories: []ecrtypes.Repository{
		{RepositoryUri: aws.String("existing.example/" + in.RepositoryNames[0])},
	}}, nil
}

func (f *fakeECR) GetAuthorizationToken(context.Context, *ecr.GetAuthorizationTokenInput, ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return &ecr.GetAuthorizationTokenOutput{AuthorizationData: []ecrtypes.AuthorizationData{
		{AuthorizationToken: aws.String(f.token)},
	}}, nil
}

func TestECRRepositoryAlreadyExists(t *testing.T) {
	client := &fakeECR{createErr: &ecrtypes.RepositoryAlreadyExistsException{Message: aws.String("exists")}}
	registry := newECRRegistry(client, "123456789012", "us-east-1")

	uri, err := registry.EnsureRepository(context.Background(), "agent-a1")
	if err != nil {
		t.Fatalf("already existing repository should not fail: %v", err)
	}
	if uri != "existing.example/agent-a1" {
		t.Fatalf("unexpected uri %s", uri)
	}
}

func TestECRCreateFailure(t *testing.T) {
	registry := newECRRegistry(&fakeECR{createErr: errors.New("throttled")}, "1", "us-east-1")
	if _, err := registry.EnsureRepository(context.Background(), "agent-a1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestECRAuthorization(t *testing.T) {
	token := base64.StdEncoding.EncodeToString([]byte("AWS:pa:ss"))
	registry := newECRRegistry(&fakeECR{token: token}, "123456789012", "us-east-1")

	auth, err := registry.Authorization(context.Background())
	if err != nil {
		t.Fatalf("authorization: %v", err)
	}
	if auth.Username != "AWS" || auth.Password != "pa:ss" {
		t.Fatalf("unexpected credentials %+v", auth)
	}
	if auth.Endpoint != "https://123456789012.dkr.ecr.us-east-1.amazonaws.com" {
		t.Fatalf("unexpected endpoint %s", auth.Endpoint)
	}
}

type fakeAppRunner struct {
	existing []artypes.ServiceSummary
	created  *apprunner.CreateServiceInput
	updated  *apprunner.UpdateServiceInput
	pages    int
}

func (f *fakeAppRunner) ListServices(_ context.Context, in *apprunner.ListServicesInput, _ ...func(*apprunner.Options)) (*apprunner.ListServicesOutput, error) {
	f.pages++
	if in.NextToken == nil {
		return &apprunner.ListServicesOutput{NextToken: aws.String("page2")}, nil
	}
	return &apprunner.ListServicesOutput{ServiceSummaryList: f.existing}, nil
}

func (f *fakeAppRunner) CreateService(_ context.Context, in *apprunner.CreateServiceInput, _ ...func(*apprunner.Options)) (*apprunner.CreateServiceOutput, error) {
	f.created = in
	return &apprunner.CreateServiceOutput{Service: &artypes.Service{
		ServiceName: in.ServiceName,
		ServiceArn:  aws.String("arn:new"),
		ServiceUrl:  aws.String("new.awsapprunner.com"),
	}}, nil
}

func (f *fakeAppRunner) UpdateService(_ context.Context, in *apprunner.UpdateServiceInput, _ ...func(*apprunner.Options)) (*apprunner.UpdateServiceOutput, error) {
	f.updated = in
	return &apprunner.UpdateServiceOutput{Service: &artypes.Service{
		ServiceName: aws.String("agent-a1"),
		ServiceArn:  in.ServiceArn,
		ServiceUrl:  aws.String("old.awsapprunner.com"),
	}}, nil
}

func testSpec() ServiceSpec {
	return ServiceSpec{
		Name:            "agent-a1",
		ImageURI:        "repo/agent-a1:latest",
		Port:            "3000",
		AccessRoleARN:   "arn:role",
		CPU:             "1024",
		Memory:          "2048",
		HealthCheckPath: "/health",
		Env:             map[string]string{"AGENT_ID": "a1"},
	}
}

func TestAppRunnerReplaceUpdatesExisting(t *testing.T) {
	client := &fakeAppRunner{existing: []artypes.ServiceSummary{
		{ServiceName: aws.String("agent-a1"), ServiceArn: aws.String("arn:old"), Status: artypes.ServiceStatusRunning},
	}}
	svc, err := newAppRunnerManager(client).Deploy(context.Background(), testSpec(), ModeReplace)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if client.updated == nil || client.created != nil {
		t.Fatalf("expected update without create")
	}
	if aws.ToString(client.updated.ServiceArn) != "arn:old" || !svc.Updated {
		t.Fatalf("unexpected update %+v", svc)
	}
	if client.pages != 2 {
		t.Fatalf("expected paging through services, got %d pages", client.pages)
	}
	if svc.URL != "https://old.awsapprunner.com" {
		t.Fatalf("unexpected url %s", svc.URL)
	}
}

func TestAppRunnerReplaceCreatesWhenMissing(t *testing.T) {
	client := &fakeAppRunner{}
	svc, err := newAppRunnerManager(client).Deploy(context.Background(), testSpec(), ModeReplace)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if client.created == nil || svc.Updated {
		t.Fatalf("expected create")
	}
	image := client.created.SourceConfiguration.ImageRepository
	if image.ImageRepositoryType != artypes.ImageRepositoryTypeEcr || image.ImageConfiguration.RuntimeEnvironmentVariables["AGENT_ID"] != "a1" {
		t.Fatalf("unexpected image configuration %+v", image)
	}
	if aws.ToString(client.created.HealthCheckConfiguration.Path) != "/health" {
		t.Fatalf("health check path not set")
	}
}

func TestAppRunnerFreshAlwaysCreates(t *testing.T) {
	client := &fakeAppRunner{existing: []artypes.ServiceSummary{
		{ServiceName: aws.String("agent-a1"), ServiceArn: aws.String("arn:old")},
	}}
	if _, err := newAppRunnerManager(client).Deploy(context.Background(), testSpec(), ModeFresh); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if client.pages != 0 || client.updated != nil || client.created == nil {
		t.Fatalf("fresh mode should create without listing")
	}
}

func TestDockerCLICommands(t *testing.T) {
	var calls []string
	var stdin string
	runner := func(_ context.Context, in io.Reader, name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		if in != nil {
			content, _ := io.ReadAll(in)
			stdin = string(content)
		}
		return nil, nil
	}
	cli := NewDockerCLI("", runner)
	tags := []string{"repo:latest", "repo:b1"}
	if err := cli.Build(context.Background(), "/tmp/ctx", "linux/amd64", tags); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cli.Push(context.Background(), RegistryAuth{Username: "AWS", Password: "pwd", Endpoint: "https://reg"}, tags); err != nil {
		t.Fatalf("push: %v", err)
	}
	expected := []string{
		"docker build --platform linux/amd64 -t repo:latest -t repo:b1 /tmp/ctx",
		"docker login --username AWS --password-stdin https://reg",
		"docker push repo:latest",
		"docker push repo:b1",
	}
	if strings.Join(calls, "\n") != strings.Join(expected, "\n") {
		t.Fatalf("unexpected commands:\n%s", strings.Join(calls, "\n"))
	}
	if stdin != "pwd" {
		t.Fatalf("password should be passed on stdin")
	}
}

func TestDockerCLIBuildFailureIncludesOutput(t *testing.T) {
	runner := func(context.Context, io.Reader, string, ...string) ([]byte, error) {
		return []byte("no space left on device"), errors.New("exit status 1")
	}
	err := NewDockerCLI("", runner).Build(context.Background(), ".", "linux/amd64", []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "no space left") {
		t.Fatalf("expected command output in error, got %v", err)
	}
}
