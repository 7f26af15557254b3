package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topologyDoc = `
version: 1
networks:
  - name: app-net
volumes:
  - name: dbdata
services:
  - name: db
    image: mongo:6
    networks: [app-net]
    volumes:
      - source: dbdata
        target: /data/db
    restart_policy: always
  - name: api
    image: registry.example.com/demo/api:latest
    build: ./api
    networks: [app-net]
    depends_on: [db]
    environment:
      MONGO_URL: mongodb://db:27017/demo
    restart_policy: always
  - name: proxy
    image: registry.example.com/demo/proxy:latest
    build: ./proxy
    networks: [app-net]
    depends_on: [api]
    ports:
      - host: 80
        container: 8080
    restart_policy: always
`

func TestParseTopology(t *testing.T) {
	top, err := ParseTopology([]byte(topologyDoc))
	require.NoError(t, err)

	require.Len(t, top.Services, 3)
	assert.Equal(t, []Network{{Name: "app-net"}}, top.Networks)
	assert.Equal(t, []Volume{{Name: "dbdata"}}, top.Volumes)

	api := top.Service("api")
	require.NotNil(t, api)
	assert.Equal(t, "./api", api.BuildContext)
	assert.Equal(t, []string{"db"}, api.DependsOn)
	assert.Equal(t, "mongodb://db:27017/demo", api.Environment["MONGO_URL"])

	px := top.Service("proxy")
	require.NotNil(t, px)
	require.Len(t, px.Ports, 1)
	assert.Equal(t, 80, px.Ports[0].HostPort)
	assert.Equal(t, 8080, px.Ports[0].ContainerPort)
}

func TestParseTopologyDefaultsRestartPolicy(t *testing.T) {
	top, err := ParseTopology([]byte("services:\n  - name: one\n    image: one:latest\n"))
	require.NoError(t, err)
	assert.Equal(t, RestartNever, top.Services[0].RestartPolicy)
}

func TestBuildableSelectsServicesWithBuildContext(t *testing.T) {
	top, err := ParseTopology([]byte(topologyDoc))
	require.NoError(t, err)

	buildable := top.Buildable()
	require.Len(t, buildable, 2)
	assert.Equal(t, "api", buildable[0].Name)
	assert.Equal(t, "proxy", buildable[1].Name)
}

func TestConfigHashStableUnderMapOrder(t *testing.T) {
	a := Service{Name: "api", Image: "api:1", Environment: map[string]string{"A": "1", "B": "2", "C": "3"}}
	b := Service{Name: "api", Image: "api:1", Environment: map[string]string{"C": "3", "B": "2", "A": "1"}}
	assert.Equal(t, a.ConfigHash(), b.ConfigHash())
}

func TestConfigHashChangesWithSpec(t *testing.T) {
	base := Service{Name: "api", Image: "api:1"}

	changedImage := base
	changedImage.Image = "api:2"
	assert.NotEqual(t, base.ConfigHash(), changedImage.ConfigHash())

	changedEnv := base
	changedEnv.Environment = map[string]string{"DEBUG": "1"}
	assert.NotEqual(t, base.ConfigHash(), changedEnv.ConfigHash())

	changedPorts := base
	changedPorts.Ports = []PortBinding{{HostPort: 80, ContainerPort: 8080}}
	assert.NotEqual(t, base.ConfigHash(), changedPorts.ConfigHash())
}
