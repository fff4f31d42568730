package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LocalState 是组件挂载时读取一次的本地持久化状态。
type LocalState struct {
	AccessToken string `yaml:"access_token"`
	DisplayName string `yaml:"display_name"`
	APIBaseURL  string `yaml:"api_base_url"`
	WSBaseURL   string `yaml:"ws_base_url"`
}

// DefaultProfilePath 返回 ~/.config/chatsync/profile.yaml。
func DefaultProfilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "profile.yaml"
	}
	return filepath.Join(dir, "chatsync", "profile.yaml")
}

// LoadProfile 读取 YAML 档案，文件不存在时返回空状态。
func LoadProfile(path string) (LocalState, error) {
	var state LocalState
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return state, nil
}

// SaveProfile 写回档案，权限 0600。
func SaveProfile(path string, state LocalState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LocalState 合并档案与环境变量，环境变量优先。
func (c ClientConfig) LocalState() (LocalState, error) {
	path := c.ProfilePath
	if path == "" {
		path = DefaultProfilePath()
	}

	state, err := LoadProfile(path)
	if err != nil {
		return LocalState{}, err
	}

	override(&state.AccessToken, c.AccessToken)
	override(&state.DisplayName, c.DisplayName)
	override(&state.APIBaseURL, c.APIBaseURL)
	override(&state.WSBaseURL, c.WSBaseURL)

	if state.DisplayName == "" {
		state.DisplayName = "Guest"
	}
	return state, nil
}

func override(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}
