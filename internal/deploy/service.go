package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apprunner"
	artypes "github.com/aws/aws-sdk-go-v2/service/apprunner/types"
)

// Mode 决定同名服务已存在时的处理方式。
type Mode string

const (
	// ModeReplace 把已存在的同名服务更新到新镜像。
	ModeReplace Mode = "replace"
	// ModeFresh 总是创建新服务，适用于每次部署都使用唯一 agentId 的场景。
	ModeFresh Mode = "fresh"
)

// ServiceSpec 描述要发布的托管服务。
type ServiceSpec struct {
	Name            string
	ImageURI        string
	Port            string
	AccessRoleARN   string
	CPU             string
	Memory          string
	HealthCheckPath string
	Env             map[string]string
}

// Service 是托管服务发布后的结果。
type Service struct {
	Name    string
	ARN     string
	URL     string
	Updated bool
}

// ServiceManager 创建或更新托管服务。
type ServiceManager interface {
	Deploy(ctx context.Context, spec ServiceSpec, mode Mode) (Service, error)
}

type apprunnerAPI interface {
	ListServices(ctx context.Context, params *apprunner.ListServicesInput, optFns ...func(*apprunner.Options)) (*apprunner.ListServicesOutput, error)
	CreateService(ctx context.Context, params *apprunner.CreateServiceInput, optFns ...func(*apprunner.Options)) (*apprunner.CreateServiceOutput, error)
	UpdateService(ctx context.Context, params *apprunner.UpdateServiceInput, optFns ...func(*apprunner.Options)) (*apprunner.UpdateServiceOutput, error)
}

// AppRunnerManager 基于 AWS App Runner 实现 ServiceManager。
type AppRunnerManager struct {
	client apprunnerAPI
}

// NewAppRunnerManager 使用 AWS 配置创建 App Runner 客户端。
func NewAppRunnerManager(cfg aws.Config) *AppRunnerManager {
	return newAppRunnerManager(apprunner.NewFromConfig(cfg))
}

func newAppRunnerManager(client apprunnerAPI) *AppRunnerManager {
	return &AppRunnerManager{client: client}
}

// Deploy 在 replace 模式下优先更新同名服务，否则创建新服务。
func (m *AppRunnerManager) Deploy(ctx context.Context, spec ServiceSpec, mode Mode) (Service, error) {
	if mode == ModeReplace {
		arn, err := m.findService(ctx, spec.Name)
		if err != nil {
			return Service{}, err
		}
		if arn != "" {
			out, err := m.client.UpdateService(ctx, &apprunner.UpdateServiceInput{
				ServiceArn:               aws.String(arn),
				SourceConfiguration:      sourceConfiguration(spec),
				InstanceConfiguration:    instanceConfiguration(spec),
				HealthCheckConfiguration: healthCheck(spec),
			})
			if err != nil {
				return Service{}, fmt.Errorf("更新服务 %s 失败: %w", spec.Name, err)
			}
			svc := serviceFrom(out.Service, spec.Name)
			svc.Updated = true
			return svc, nil
		}
	}

	out, err := m.client.CreateService(ctx, &apprunner.CreateServiceInput{
		ServiceName:              aws.String(spec.Name),
		SourceConfiguration:      sourceConfiguration(spec),
		InstanceConfiguration:    instanceConfiguration(spec),
		HealthCheckConfiguration: healthCheck(spec),
	})
	if err != nil {
		return Service{}, fmt.Errorf("创建服务 %s 失败: %w", spec.Name, err)
	}
	return serviceFrom(out.Service, spec.Name), nil
}

// findService 分页查找同名服务，找不到时返回空字符串。
func (m *AppRunnerManager) findService(ctx context.Context, name string) (string, error) {
	var token *string
	for {
		out, err := m.client.ListServices(ctx, &apprunner.ListServicesInput{NextToken: token})
		if err != nil {
			return "", fmt.Errorf("查询已有服务失败: %w", err)
		}
		for _, summary := range out.ServiceSummaryList {
			if aws.ToString(summary.ServiceName) == name && summary.Status != artypes.ServiceStatusDeleted {
				return aws.ToString(summary.ServiceArn), nil
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return "", nil
		}
		token = out.NextToken
	}
}

func sourceConfiguration(spec ServiceSpec) *artypes.SourceConfiguration {
	return &artypes.SourceConfiguration{
		AutoDeploymentsEnabled: aws.Bool(false),
		AuthenticationConfiguration: &artypes.AuthenticationConfiguration{
			AccessRoleArn: aws.String(spec.AccessRoleARN),
		},
		ImageRepository: &artypes.ImageRepository{
			ImageIdentifier:     aws.String(spec.ImageURI),
			ImageRepositoryType: artypes.ImageRepositoryTypeEcr,
			ImageConfiguration: &artypes.ImageConfiguration{
				Port:                        aws.String(spec.Port),
				RuntimeEnvironmentVariables: spec.Env,
			},
		},
	}
}

func instanceConfiguration(spec ServiceSpec) *artypes.InstanceConfiguration {
	return &artypes.InstanceConfiguration{
		Cpu:    aws.String(spec.CPU),
		Memory: aws.String(spec.Memory),
	}
}

func healthCheck(spec ServiceSpec) *artypes.HealthCheckConfiguration {
	return &artypes.HealthCheckConfiguration{
		Protocol:           artypes.HealthCheckProtocolHttp,
		Path:               aws.String(spec.HealthCheckPath),
		Interval:           aws.Int32(10),
		Timeout:            aws.Int32(5),
		HealthyThreshold:   aws.Int32(1),
		UnhealthyThreshold: aws.Int32(5),
	}
}

func serviceFrom(svc *artypes.Service, name string) Service {
	if svc == nil {
		return Service{Name: name}
	}
	url := aws.ToString(svc.ServiceUrl)
	if url != "" && !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}
	return Service{
		Name: aws.ToString(svc.ServiceName),
		ARN:  aws.ToString(svc.ServiceArn),
		URL:  url,
	}
}
