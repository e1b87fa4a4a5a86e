package push

import (
	"strings"
	"time"
)

type Settings struct {
	Timeout  time.Duration    `yaml:"timeout" json:"timeout"`
	RocketMQ RocketMQSettings `yaml:"rocketmq" json:"rocketmq"`
	GeTui    GeTuiSettings    `yaml:"getui" json:"getui"`
}

type RocketMQSettings struct {
	Enabled    string           `yaml:"enabled" json:"enabled"`
	NameServer string           `yaml:"name-server" json:"nameServer"`
	Producer   RocketMQProducer `yaml:"producer" json:"producer"`
	Topic      string           `yaml:"topic" json:"topic"`
	Tag        string           `yaml:"tag" json:"tag"`
}

type RocketMQProducer struct {
	AccessKey string `yaml:"access-key" json:"accessKey"`
	SecretKey string `yaml:"secret-key" json:"secretKey"`
	Group     string `yaml:"group" json:"group"`
}

type GeTuiSettings struct {
	Enabled      string `yaml:"enabled" json:"enabled"`
	AppID        string `yaml:"appId" json:"appId"`
	AppKey       string `yaml:"appKey" json:"appKey"`
	MasterSecret string `yaml:"masterSecret" json:"masterSecret"`
	BaseURL      string `yaml:"baseUrl" json:"baseUrl"`
	TTLMillis    int64  `yaml:"ttl" json:"ttl"`
	// UnregisteredCodes are GeTui result codes meaning the cid is gone for good.
	UnregisteredCodes []int `yaml:"unregisteredCodes" json:"unregisteredCodes"`
}

func (s Settings) WithDefaults() Settings {
	o := s
	o.RocketMQ.Enabled = normalizeYN(o.RocketMQ.Enabled)
	o.GeTui.Enabled = normalizeYN(o.GeTui.Enabled)

	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.GeTui.BaseURL == "" {
		o.GeTui.BaseURL = "https://restapi.getui.com/v2"
	}
	if o.GeTui.TTLMillis <= 0 {
		o.GeTui.TTLMillis = 2 * 60 * 60 * 1000
	}
	if o.GeTui.UnregisteredCodes == nil {
		o.GeTui.UnregisteredCodes = []int{20001}
	}
	return o
}

// IsEnabled accepts Y/TRUE/1 in any case.
func IsEnabled(v string) bool { return normalizeYN(v) == "Y" }

func normalizeYN(v string) string {
	switch strings.TrimSpace(strings.ToUpper(v)) {
	case "Y", "TRUE", "1":
		return "Y"
	default:
		return "N"
	}
}
