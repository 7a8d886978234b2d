// agentsim serves the host-agent read contract from a static fleet file.
// It exists for local development: point fleetd's collectors at it and the
// inventory fills up without any real hosts.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/opsforge/fleetd/internal/reconciler"
)

type fleetFile struct {
	Instances []instanceDef `yaml:"instances"`
	HAProxy   *haproxyDef   `yaml:"haproxy,omitempty"`
	Eureka    *eurekaDef    `yaml:"eureka,omitempty"`
}

type instanceDef struct {
	InstanceName string `yaml:"instance_name"`
	AppType      string `yaml:"app_type"`
	Status       string `yaml:"status"`
	Version      string `yaml:"version"`
	PID          int    `yaml:"pid"`
	IP           string `yaml:"ip"`
	Port         int    `yaml:"port"`
	HomePath     string `yaml:"home_path"`
	LogPath      string `yaml:"log_path"`
}

type haproxyDef struct {
	Servers []haproxyServerDef `yaml:"servers"`
}

type haproxyServerDef struct {
	Backend string `yaml:"backend"`
	Name    string `yaml:"name"`
	IP      string `yaml:"ip"`
	Port    int    `yaml:"port"`
	Status  string `yaml:"status"`
	Weight  int    `yaml:"weight"`
	Scur    int    `yaml:"scur"`
	Smax    int    `yaml:"smax"`
}

type eurekaDef struct {
	Instances []eurekaInstanceDef `yaml:"instances"`
}

type eurekaInstanceDef struct {
	App        string `yaml:"app"`
	InstanceID string `yaml:"instance_id"`
	IP         string `yaml:"ip"`
	Port       int    `yaml:"port"`
	Status     string `yaml:"status"`
}

type stateResponse struct {
	Instances []reconciler.ObservedInstance `json:"instances"`
	HAProxy   *haproxyBlock                 `json:"haproxy,omitempty"`
	Eureka    *eurekaBlock                  `json:"eureka,omitempty"`
}

type haproxyBlock struct {
	Servers []reconciler.ObservedHAProxyServer `json:"servers"`
}

type eurekaBlock struct {
	Instances []reconciler.ObservedEurekaInstance `json:"instances"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fleetPath := flag.String("fleet", "fleet.yaml", "path to the fleet definition")
	bindAddr := flag.String("addr", ":7070", "listen address")
	flag.Parse()

	data, err := os.ReadFile(*fleetPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *fleetPath).Msg("read fleet file failed")
	}
	var fleet fleetFile
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		log.Fatal().Err(err).Msg("parse fleet file failed")
	}

	state := buildState(&fleet)

	router := fox.New()
	router.GET("/v1/state", func(c *fox.Context) {
		c.JSON(http.StatusOK, state)
	})

	log.Info().
		Int("instances", len(state.Instances)).
		Msgf("Serving agent state on %s", *bindAddr)
	if err := router.Run(*bindAddr); err != nil {
		log.Fatal().Err(err).Msg("start agentsim failed")
	}
}

func buildState(fleet *fleetFile) *stateResponse {
	now := time.Now().Add(-time.Hour)
	state := &stateResponse{}
	for _, def := range fleet.Instances {
		start := now
		state.Instances = append(state.Instances, reconciler.ObservedInstance{
			InstanceName: def.InstanceName,
			AppType:      def.AppType,
			Status:       def.Status,
			Version:      def.Version,
			PID:          def.PID,
			StartTime:    &start,
			IP:           def.IP,
			Port:         def.Port,
			HomePath:     def.HomePath,
			LogPath:      def.LogPath,
		})
	}
	if fleet.HAProxy != nil {
		block := &haproxyBlock{}
		for _, def := range fleet.HAProxy.Servers {
			block.Servers = append(block.Servers, reconciler.ObservedHAProxyServer{
				Backend:         def.Backend,
				Name:            def.Name,
				IP:              def.IP,
				Port:            def.Port,
				Status:          def.Status,
				Weight:          def.Weight,
				CurrentSessions: def.Scur,
				MaxSessions:     def.Smax,
			})
		}
		state.HAProxy = block
	}
	if fleet.Eureka != nil {
		block := &eurekaBlock{}
		for _, def := range fleet.Eureka.Instances {
			block.Instances = append(block.Instances, reconciler.ObservedEurekaInstance{
				App:        def.App,
				InstanceID: def.InstanceID,
				IP:         def.IP,
				Port:       def.Port,
				Status:     def.Status,
			})
		}
		state.Eureka = block
	}
	return state
}
