package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryctl/sentryctl/internal/entityid"
	"github.com/sentryctl/sentryctl/internal/knowledge"
)

func TestExtractIPv4Dedupes(t *testing.T) {
	ips := ExtractIPv4("64 bytes from 192.168.1.1: icmp_seq=1 192.168.1.1")
	assert.Equal(t, []string{"192.168.1.1"}, ips)
}

func TestParsePortLine(t *testing.T) {
	triple, ok := ParsePortLine("22/tcp   open  ssh     OpenSSH 8.2")
	require.True(t, ok)
	assert.Equal(t, PortTriple{Number: 22, Protocol: "tcp", State: "open"}, triple)

	_, ok = ParsePortLine("not a port line")
	assert.False(t, ok)
}

func TestPingParserMarksAlive(t *testing.T) {
	out := []byte("PING 192.168.1.1 (192.168.1.1): 56 data bytes\n64 bytes from 192.168.1.1: icmp_seq=0 ttl=64 time=1.234 ms\n")
	res, err := Ping.Parse(out, Context{ToolID: "ping", Target: "192.168.1.1"})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	host := res.Entities[0]
	assert.Equal(t, entityid.Host("192.168.1.1"), host.ID)
	data := host.Data.(knowledge.HostData)
	assert.True(t, data.IsAlive)
}

func TestNmapPortScanProducesPortAndService(t *testing.T) {
	out := []byte("Starting Nmap\nPORT   STATE SERVICE\n22/tcp open  ssh\n80/tcp closed http\n")
	hostID := entityid.Host("10.0.0.5")
	res, err := NmapPortScan.Parse(out, Context{ToolID: "nmap_port_scan", Target: "10.0.0.5", UpstreamHost: hostID})
	require.NoError(t, err)

	var ports, services int
	for _, e := range res.Entities {
		switch e.Kind {
		case knowledge.KindPort:
			ports++
		case knowledge.KindService:
			services++
		}
	}
	assert.Equal(t, 2, ports)
	assert.Equal(t, 1, services) // only the open port gets a service entity

	require.Len(t, res.Relationships, 3) // has_port x2 + has_service x1
}

func TestGobusterDirectoryParsesEntries(t *testing.T) {
	out := []byte("/admin               (Status: 301) [Size: 178] [--> /admin/]\n/login.php            (Status: 200) [Size: 512]\n")
	serviceID := entityid.Service(entityid.Port(entityid.Host("10.0.0.5"), 80, "tcp"), "http")
	res, err := GobusterDirectory.Parse(out, Context{ToolID: "gobuster_dir", Target: "http://10.0.0.5", UpstreamPort: serviceID})
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	require.Len(t, res.Relationships, 2)
}

func TestGobusterDirectoryDerivesServiceChainWhenUpstreamPortUnset(t *testing.T) {
	out := []byte("/admin               (Status: 301) [Size: 178] [--> /admin/]\n")
	res, err := GobusterDirectory.Parse(out, Context{ToolID: "gobuster_dir", Target: "http://10.0.0.5:8080/"})
	require.NoError(t, err)

	var hosts, ports, services, webResources int
	for _, e := range res.Entities {
		switch e.Kind {
		case knowledge.KindHost:
			hosts++
		case knowledge.KindPort:
			ports++
		case knowledge.KindService:
			services++
		case knowledge.KindWebResource:
			webResources++
		}
	}
	assert.Equal(t, 1, hosts)
	assert.Equal(t, 1, ports)
	assert.Equal(t, 1, services)
	assert.Equal(t, 1, webResources)
	require.Len(t, res.Relationships, 3) // has_port + has_service + has_web_resource

	hostID := entityid.Host("10.0.0.5")
	portID := entityid.Port(hostID, 8080, "tcp")
	serviceID := entityid.Service(portID, "http")
	webResource := res.Entities[len(res.Entities)-1]
	data := webResource.Data.(knowledge.WebResourceData)
	assert.Equal(t, serviceID, data.ParentServiceID)
}

func TestGobusterDirectoryWithoutParsableTargetYieldsEmptyResult(t *testing.T) {
	res, err := GobusterDirectory.Parse([]byte("/admin (Status: 301)\n"), Context{ToolID: "gobuster_dir", Target: "not a url"})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestSafeRecoversPanic(t *testing.T) {
	panicky := ParserFunc(func(raw []byte, ctx Context) (Result, error) {
		panic("boom")
	})
	_, err := Safe(panicky).Parse(nil, Context{})
	require.Error(t, err)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
}

func TestNoopParserYieldsEmptyOutput(t *testing.T) {
	res, err := NoopParser.Parse([]byte("whatever"), Context{})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}
