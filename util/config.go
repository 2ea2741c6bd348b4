package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const Name = "gallipub"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host          string `yaml:"host"`
		HttpPort      int    `yaml:"httpPort" envconfig:"HTTPPORT"`
		SslDomain     string `yaml:"sslDomain" envconfig:"SSLDOMAIN"`
		Username      string `yaml:"username"`
		AdminActor    string `yaml:"adminActor" envconfig:"ADMINACTOR"`
		ApiKey        string `yaml:"apiKey" envconfig:"APIKEY"`
		SourceBaseUrl string `yaml:"sourceBaseUrl" envconfig:"SOURCEBASEURL"`
		SourceApiKey  string `yaml:"sourceApiKey" envconfig:"SOURCEAPIKEY"`
		FollowersOnly bool   `yaml:"followersOnly" envconfig:"FOLLOWERSONLY"`
		DbPath        string `yaml:"dbPath" envconfig:"DBPATH"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	// Environment overrides, e.g. GALLIPUB_SSLDOMAIN, GALLIPUB_APIKEY
	if err := envconfig.Process("gallipub", &c.Conf); err != nil {
		return nil, fmt.Errorf("in environment config: %w", err)
	}

	if c.Conf.DbPath == "" {
		c.Conf.DbPath = ResolveFilePath("gallipub.db")
	}

	return c, nil
}

// BaseURL returns the public https base of this instance.
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.SslDomain)
}

// ActorURI returns the IRI of the mirrored account's local actor.
func (c *AppConfig) ActorURI() string {
	return fmt.Sprintf("https://%s/users/%s", c.Conf.SslDomain, c.Conf.Username)
}

// PostURI returns the IRI under which a mirrored post is served.
func (c *AppConfig) PostURI(id int64) string {
	return fmt.Sprintf("https://%s/posts/%d", c.Conf.SslDomain, id)
}
