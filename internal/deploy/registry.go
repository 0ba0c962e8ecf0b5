package deploy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
)

// Registry 管理镜像仓库。
type Registry interface {
	EnsureRepository(ctx context.Context, name string) (string, error)
	Authorization(ctx context.Context) (RegistryAuth, error)
}

type ecrAPI interface {
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// ECRRegistry 基于 Amazon ECR 实现 Registry。
type ECRRegistry struct {
	client    ecrAPI
	accountID string
	region    string
}

// NewECRRegistry 使用 AWS 配置创建 ECR 客户端。
func NewECRRegistry(cfg aws.Config, accountID string) *ECRRegistry {
	return newECRRegistry(ecr.NewFromConfig(cfg), accountID, cfg.Region)
}

func newECRRegistry(client ecrAPI, accountID, region string) *ECRRegistry {
	return &ECRRegistry{client: client, accountID: accountID, region: region}
}

// EnsureRepository 创建仓库，仓库已存在视为成功，返回仓库 URI。
func (r *ECRRegistry) EnsureRepository(ctx context.Context, name string) (string, error) {
	out, err := r.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(name),
		ImageTagMutability: ecrtypes.ImageTagMutabilityMutable,
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
	})
	if err == nil {
		if out.Repository != nil && aws.ToString(out.Repository.RepositoryUri) != "" {
			return aws.ToString(out.Repository.RepositoryUri), nil
		}
		return r.repositoryURI(name), nil
	}

	var exists *ecrtypes.RepositoryAlreadyExistsException
	if !errors.As(err, &exists) {
		return "", fmt.Errorf("创建镜像仓库 %s 失败: %w", name, err)
	}
	described, err := r.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err != nil || len(described.Repositories) == 0 {
		return r.repositoryURI(name), nil
	}
	return aws.ToString(described.Repositories[0].RepositoryUri), nil
}

// Authorization 获取短期推送凭证。
func (r *ECRRegistry) Authorization(ctx context.Context) (RegistryAuth, error) {
	out, err := r.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return RegistryAuth{}, fmt.Errorf("获取 ECR 凭证失败: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return RegistryAuth{}, errors.New("ECR 未返回凭证")
	}
	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return RegistryAuth{}, fmt.Errorf("解析 ECR 凭证失败: %w", err)
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return RegistryAuth{}, errors.New("ECR 凭证格式无效")
	}
	endpoint := aws.ToString(data.ProxyEndpoint)
	if endpoint == "" {
		endpoint = "https://" + r.registryHost()
	}
	return RegistryAuth{Username: username, Password: password, Endpoint: endpoint}, nil
}

func (r *ECRRegistry) registryHost() string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", r.accountID, r.region)
}

func (r *ECRRegistry) repositoryURI(name string) string {
	return r.registryHost() + "/" + name
}
