//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fedmcp/gateway/internal/gateway"
)

var _ = Describe("MCP aggregation gateway", Ordered, func() {
	var (
		fs      *testBackend
		web     *testBackend
		harness *gatewayHarness
	)

	BeforeAll(func() {
		fs = startBackend("fs-server",
			echoTool("read"),
			echoTool("write"),
		)
		web = startBackend("web-server",
			echoTool("read"),
			echoTool("fetch"),
		)

		fs.mcpServer.AddResource(
			mcp.Resource{
				URI:         "file:///notes.txt",
				Name:        "notes",
				Description: "scratch notes",
				MIMEType:    "text/plain",
			},
			func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
				return []mcp.ResourceContents{
					mcp.TextResourceContents{
						URI:      req.Params.URI,
						MIMEType: "text/plain",
						Text:     "hello from fs",
					},
				}, nil
			},
		)

		harness = startGateway(map[string]string{
			"fs":  fs.URL(),
			"web": web.URL(),
		})
	})

	AfterAll(func() {
		harness.Close()
		fs.Close()
		web.Close()
	})

	It("aggregates overlapping tool names under distinct prefixes", func() {
		c := harness.Connect()

		res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		Expect(err).ToNot(HaveOccurred())

		names := make([]string, 0, len(res.Tools))
		for _, t := range res.Tools {
			names = append(names, t.Name)
		}
		Expect(names).To(ContainElements("fs_read", "fs_write", "web_read", "web_fetch"))
		Expect(names).ToNot(ContainElement("read"))
	})

	It("routes tool calls to the owning backend with the original name", func() {
		c := harness.Connect()

		req := mcp.CallToolRequest{}
		req.Params.Name = "web_fetch"
		req.Params.Arguments = map[string]any{"msg": "ping"}

		res, err := c.CallTool(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.IsError).To(BeFalse())
		Expect(res.Content).To(HaveLen(1))

		text, ok := mcp.AsTextContent(res.Content[0])
		Expect(ok).To(BeTrue())
		Expect(text.Text).To(Equal("echo: ping"))
	})

	It("rejects calls to tools no backend serves", func() {
		c := harness.Connect()

		req := mcp.CallToolRequest{}
		req.Params.Name = "fs_rename"

		_, err := c.CallTool(ctx, req)
		Expect(err).To(HaveOccurred())
	})

	It("lists and reads resources under namespaced URIs", func() {
		c := harness.Connect()

		list, err := c.ListResources(ctx, mcp.ListResourcesRequest{})
		Expect(err).ToNot(HaveOccurred())

		uris := make([]string, 0, len(list.Resources))
		for _, r := range list.Resources {
			uris = append(uris, r.URI)
		}
		Expect(uris).To(ContainElement("fs_file:///notes.txt"))

		readReq := mcp.ReadResourceRequest{}
		readReq.Params.URI = "fs_file:///notes.txt"

		read, err := c.ReadResource(ctx, readReq)
		Expect(err).ToNot(HaveOccurred())
		Expect(read.Contents).To(HaveLen(1))

		text, ok := read.Contents[0].(mcp.TextResourceContents)
		Expect(ok).To(BeTrue())
		Expect(text.Text).To(Equal("hello from fs"))
		Expect(text.URI).To(Equal("fs_file:///notes.txt"))
	})

	It("picks up tools a backend adds after startup", func() {
		c := harness.Connect()

		By("adding a tool to the fs backend")
		fs.mcpServer.AddTools(echoTool("stat"))

		By("waiting for the gateway to resync the catalog")
		Eventually(func() []string {
			res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
			if err != nil {
				return nil
			}
			names := make([]string, 0, len(res.Tools))
			for _, t := range res.Tools {
				names = append(names, t.Name)
			}
			return names
		}, TestTimeoutMedium, TestRetryInterval).Should(ContainElement("fs_stat"))
	})

	It("reports backend health on the status endpoint", func() {
		resp, err := http.Get(harness.StatusURL())
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var status gateway.StatusResponse
		Expect(json.NewDecoder(resp.Body).Decode(&status)).To(Succeed())

		Expect(status.TotalBackends).To(Equal(2))
		Expect(status.HealthyBackends).To(Equal(2))
		for _, b := range status.Backends {
			Expect(b.Connected).To(BeTrue())
			Expect(b.CircuitState).To(Equal("closed"))
		}
	})
})

var _ = Describe("gateway resilience", func() {
	It("keeps serving remaining backends when one goes away", func() {
		alpha := startBackend("alpha", echoTool("ping"))
		beta := startBackend("beta", echoTool("ping"))
		defer alpha.Close()

		harness := startGateway(map[string]string{
			"alpha": alpha.URL(),
			"beta":  beta.URL(),
		})
		defer harness.Close()

		c := harness.Connect()

		By("stopping the beta backend")
		beta.Close()

		req := mcp.CallToolRequest{}
		req.Params.Name = "alpha_ping"
		req.Params.Arguments = map[string]any{"msg": "still here"}

		res, err := c.CallTool(ctx, req)
		Expect(err).ToNot(HaveOccurred())

		text, ok := mcp.AsTextContent(res.Content[0])
		Expect(ok).To(BeTrue())
		Expect(text.Text).To(Equal("echo: still here"))
	})
})
