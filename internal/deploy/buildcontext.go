package deploy

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"OpenAgent-Launchpad/internal/strategy"
)

// ManifestFileName 是构建上下文中的清单文件名。
const ManifestFileName = "manifest.json"

// DefaultBaseImage 是 deploy/Dockerfile.agentd 构建出的 agentd 运行镜像，
// 每个智能体镜像只在其上叠加策略文件与清单。
const DefaultBaseImage = "openagent/agentd:latest"

// StrategyMountPath 是容器内策略文件的位置。
const StrategyMountPath = "/app/" + strategy.FileName

var dockerfileTemplate = template.Must(template.New("Dockerfile").Parse(`FROM --platform={{.Platform}} {{.BaseImage}}
WORKDIR /app
{{- if .HasSupport}}
COPY support/ /app/support/
{{- end}}
COPY {{.StrategyFile}} {{.StrategyPath}}
COPY {{.ManifestFile}} /app/{{.ManifestFile}}
ENV STRATEGY_PATH={{.StrategyPath}} \
    AGENT_DATA_DIR=/app/data \
    PORT={{.Port}}
EXPOSE {{.Port}}
`))

// Manifest 描述一次构建的元数据。
type Manifest struct {
	AgentID      string    `json:"agentId"`
	OwnerAddress string    `json:"ownerAddress"`
	Strategy     string    `json:"strategy"`
	BaseImage    string    `json:"baseImage"`
	Platform     string    `json:"platform"`
	BuildID      string    `json:"buildId"`
	CreatedAt    time.Time `json:"createdAt"`
	SupportFiles []string  `json:"supportFiles,omitempty"`
}

type dockerfileData struct {
	BaseImage    string
	Platform     string
	Port         string
	HasSupport   bool
	StrategyFile string
	StrategyPath string
	ManifestFile string
}

// writeBuildContext 在 dir 中写入支持文件、策略文件、清单与 Dockerfile。
func writeBuildContext(dir string, cfg Config, strat *strategy.Strategy, manifest Manifest) error {
	var err error
	if cfg.SupportDir != "" {
		manifest.SupportFiles, err = copyTree(cfg.SupportDir, filepath.Join(dir, "support"))
		if err != nil {
			return fmt.Errorf("复制运行时支持文件失败: %w", err)
		}
	}

	content, err := strat.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, strategy.FileName), content, 0o644); err != nil {
		return fmt.Errorf("写入策略文件失败: %w", err)
	}

	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("编码清单失败: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), encoded, 0o644); err != nil {
		return fmt.Errorf("写入清单失败: %w", err)
	}

	file, err := os.Create(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return fmt.Errorf("创建 Dockerfile 失败: %w", err)
	}
	defer file.Close()
	return dockerfileTemplate.Execute(file, dockerfileData{
		BaseImage:    cfg.BaseImage,
		Platform:     cfg.Platform,
		Port:         cfg.Port,
		HasSupport:   len(manifest.SupportFiles) > 0,
		StrategyFile: strategy.FileName,
		StrategyPath: StrategyMountPath,
		ManifestFile: ManifestFileName,
	})
}

// copyTree 原样复制 src 下的普通文件，返回相对路径列表。
func copyTree(src, dst string) ([]string, error) {
	var copied []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		copied = append(copied, filepath.ToSlash(rel))
		return nil
	})
	return copied, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
