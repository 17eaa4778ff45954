package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the marketplace MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Fetch a single escrow by ID. Shows status, parties, locked amount, "+
			"usage limit, attestations, and all deadlines. Credential hashes are "+
			"only visible to the escrow's own parties."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows you participate in as consumer or provider, newest first. "+
			"Optionally filter by status."),
	mcp.WithString("status",
		mcp.Description("Filter by lifecycle status"),
		mcp.Enum("pending", "funded", "active", "disputed", "completed", "refunded")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a new escrow against a provider for metered usage credit. "+
			"This only records the agreement; no funds move until you call fund_escrow. "+
			"Use list_offers first to find providers and pricing."),
	mcp.WithString("provider",
		mcp.Required(),
		mcp.Description("The provider's wallet address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("USDC amount to escrow as a decimal string (e.g. '5.00')")),
	mcp.WithNumber("usage_limit",
		mcp.Required(),
		mcp.Description("Maximum usage units this escrow covers (e.g. 1000 API calls)")),
	mcp.WithString("duration",
		mcp.Description("Service period as a Go duration (e.g. '168h' for one week). Defaults to the platform standard.")),
)

var ToolFundEscrow = mcp.NewTool("fund_escrow",
	mcp.WithDescription(
		"Lock your USDC into a pending escrow you created. The provider then has "+
			"a grace window to deliver an access credential; if they never activate, "+
			"your funds become refundable after the timeout."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID from create_escrow")),
)

var ToolAttestUsage = mcp.NewTool("attest_usage",
	mcp.WithDescription(
		"Report how many usage units were consumed on an active escrow. Both "+
			"consumer and provider attest independently; settlement requires the "+
			"two reports to agree. Attest again to correct your report before "+
			"settlement."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithNumber("usage",
		mcp.Required(),
		mcp.Description("Units consumed (0 up to the escrow's usage limit)")),
)

var ToolPreviewDistribution = mcp.NewTool("preview_distribution",
	mcp.WithDescription(
		"Preview how an escrow's funds would split at a hypothetical usage: "+
			"provider payout, consumer refund, and platform fee at current rates. "+
			"Read-only; nothing settles."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithNumber("usage",
		mcp.Required(),
		mcp.Description("Hypothetical units consumed")),
)

var ToolProviderBalance = mcp.NewTool("provider_balance",
	mcp.WithDescription(
		"Check a provider's withdrawable USDC balance from settled escrows. "+
			"Defaults to your own address."),
	mcp.WithString("address",
		mcp.Description("Provider wallet address (defaults to yours)")),
)

var ToolListOffers = mcp.NewTool("list_offers",
	mcp.WithDescription(
		"Browse the provider offer directory to find services and per-unit USDC "+
			"pricing before opening an escrow."),
	mcp.WithString("search",
		mcp.Description("Free-text search over offer labels and descriptions")),
	mcp.WithString("provider",
		mcp.Description("Only show offers from this provider address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of offers to return (default 20)")),
)

var ToolPlatformInfo = mcp.NewTool("platform_info",
	mcp.WithDescription(
		"Get marketplace platform details: chain, USDC contract, custody address, "+
			"and current fee rates."),
)
