package util

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

var (
	ConfigurationFileDirectory DirectoryValueType
)

type DirectoryValueType string

func (s *DirectoryValueType) Set(value string) error {
	*s = DirectoryValueType(value)
	return nil
}
func (s *DirectoryValueType) String() string {
	return string(*s)
}

type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetFloat64(key string) float64
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	SetDefault(key string, value interface{})
}

// LoadConfiguration merges <name>.toml from the search path into the
// global viper. A missing optional file is not an error.
func LoadConfiguration(configFileName string, required bool) (loaded bool) {

	viper.SetConfigName(configFileName)
	viper.SetConfigType("toml")
	if dir := ConfigurationFileDirectory.String(); dir != "" {
		viper.AddConfigPath(dir)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.mapmon")
	viper.AddConfigPath("/usr/local/etc/mapmon/")
	viper.AddConfigPath("/etc/mapmon/")

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			glog.V(1).Infof("Reading %s: %v", viper.ConfigFileUsed(), err)
		} else {
			glog.Fatalf("Reading %s: %v", viper.ConfigFileUsed(), err)
		}
		if required {
			glog.Fatalf("Failed to load %s.toml file from current directory, or $HOME/.mapmon/, or /etc/mapmon/"+
				"\n\nPlease use this command to generate the default %s.toml file\n"+
				"    mapmon scaffold -output=.\n\n\n",
				configFileName, configFileName)
		} else {
			return false
		}
	}
	glog.V(1).Infof("Reading %s.toml from %s", configFileName, viper.ConfigFileUsed())

	return true
}

type ViperProxy struct {
	*viper.Viper
	sync.Mutex
}

var (
	vp = &ViperProxy{}
)

func (vp *ViperProxy) SetDefault(key string, value interface{}) {
	vp.Lock()
	defer vp.Unlock()
	vp.Viper.SetDefault(key, value)
}

func (vp *ViperProxy) GetString(key string) string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetString(key)
}

func (vp *ViperProxy) GetBool(key string) bool {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetBool(key)
}

func (vp *ViperProxy) GetInt(key string) int {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetInt(key)
}

func (vp *ViperProxy) GetFloat64(key string) float64 {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetFloat64(key)
}

func (vp *ViperProxy) GetDuration(key string) time.Duration {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetDuration(key)
}

func (vp *ViperProxy) GetStringSlice(key string) []string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetStringSlice(key)
}

func GetViper() *ViperProxy {
	vp.Lock()
	defer vp.Unlock()

	if vp.Viper == nil {
		vp.Viper = viper.GetViper()
		bindEnv(vp.Viper)
	}

	return vp
}

// NewViper is a private configuration, used by tests and tools that must
// not touch the global one.
func NewViper() *ViperProxy {
	v := viper.New()
	bindEnv(v)
	return &ViperProxy{Viper: v}
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvPrefix("mapmon")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}
