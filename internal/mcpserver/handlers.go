package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MarketClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MarketClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow fetches one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	esc, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(formatEscrow(esc)), nil
}

// HandleListEscrows lists the caller's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCreateEscrow opens a pending escrow.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider := req.GetString("provider", "")
	if provider == "" {
		return mcp.NewToolResultError("provider is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	usageLimit := int64(req.GetInt("usage_limit", 0))
	if usageLimit <= 0 {
		return mcp.NewToolResultError("usage_limit must be a positive number"), nil
	}
	duration := req.GetString("duration", "")

	raw, err := h.client.CreateEscrow(ctx, provider, amount, usageLimit, duration)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	esc, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow created (no funds locked yet).\n\n%s\n"+
			"Next step: call fund_escrow with escrow_id %s to lock your USDC.",
		formatEscrow(esc), getString(esc, "id"))), nil
}

// HandleFundEscrow locks the consumer's USDC.
func (h *Handlers) HandleFundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.FundEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Funding failed: %v", err)), nil
	}

	esc, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s funded: %s USDC locked in custody.\n"+
			"The provider must now deliver an access credential. If the escrow "+
			"never activates, it becomes refundable after %s.",
		id, getString(esc, "amount"), getString(esc, "refundAfter"))), nil
}

// HandleAttestUsage reports usage for one side.
func (h *Handlers) HandleAttestUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	usage, ok := req.GetArguments()["usage"].(float64)
	if !ok || usage < 0 {
		return mcp.NewToolResultError("usage must be a non-negative number"), nil
	}

	raw, err := h.client.AttestUsage(ctx, id, int64(usage))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Attestation failed: %v", err)), nil
	}

	esc, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage attested: %d units on escrow %s.\n", int64(usage), id)
	consumerDone, _ := esc["consumerAttested"].(bool)
	providerDone, _ := esc["providerAttested"].(bool)
	switch {
	case consumerDone && providerDone:
		sb.WriteString("Both parties have attested. The escrow is ready to settle.")
	case consumerDone:
		sb.WriteString("Waiting on the provider's attestation before settlement.")
	default:
		sb.WriteString("Waiting on the consumer's attestation before settlement.")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePreviewDistribution computes a hypothetical settlement split.
func (h *Handlers) HandlePreviewDistribution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	usage, ok := req.GetArguments()["usage"].(float64)
	if !ok || usage < 0 {
		return mcp.NewToolResultError("usage must be a non-negative number"), nil
	}

	raw, err := h.client.PreviewDistribution(ctx, id, int64(usage))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Preview failed: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse preview: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Settlement preview for escrow %s at %d units:\n", id, int64(usage))
	fmt.Fprintf(&sb, "  Provider payout:  %s USDC\n", getString(m, "providerAmount"))
	fmt.Fprintf(&sb, "  Consumer refund:  %s USDC\n", getString(m, "consumerRefund"))
	fmt.Fprintf(&sb, "  Platform fee:     %s USDC\n", getString(m, "platformFee"))
	if v := getString(m, "penaltyAmount"); v != "" && v != "0.000000" {
		fmt.Fprintf(&sb, "  Unused penalty:   %s USDC (part of provider payout)\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleProviderBalance returns withdrawable earnings.
func (h *Handlers) HandleProviderBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")

	raw, err := h.client.ProviderBalance(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListOffers searches the offer directory.
func (h *Handlers) HandleListOffers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	search := req.GetString("search", "")
	provider := req.GetString("provider", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListOffers(ctx, search, provider, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list offers: %v", err)), nil
	}

	text, err := formatOfferList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse offers: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandlePlatformInfo returns platform details.
func (h *Handlers) HandlePlatformInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PlatformInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

// extractEscrow unwraps {"escrow": {...}} or a bare escrow object.
func extractEscrow(raw json.RawMessage) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if esc, ok := resp["escrow"].(map[string]any); ok {
		return esc, nil
	}
	if _, ok := resp["id"]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("no escrow in response: %s", string(raw))
}

func formatEscrow(esc map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s [%s]\n", getString(esc, "id"), getString(esc, "status"))
	fmt.Fprintf(&sb, "  Consumer: %s\n", getString(esc, "consumer"))
	fmt.Fprintf(&sb, "  Provider: %s\n", getString(esc, "provider"))
	fmt.Fprintf(&sb, "  Amount: %s USDC for up to %s units\n",
		getString(esc, "amount"), getString(esc, "usageLimit"))

	if v := getString(esc, "reportedUsage"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Reported usage: %s units\n", v)
	}
	consumerDone, _ := esc["consumerAttested"].(bool)
	providerDone, _ := esc["providerAttested"].(bool)
	if consumerDone || providerDone {
		fmt.Fprintf(&sb, "  Attested: consumer=%t provider=%t\n", consumerDone, providerDone)
	}

	if v := formatDeadline(esc, "endTime"); v != "" {
		fmt.Fprintf(&sb, "  Service period ends: %s\n", v)
	}
	if v := formatDeadline(esc, "refundAfter"); v != "" && getString(esc, "status") == "funded" {
		fmt.Fprintf(&sb, "  Refundable if not activated by: %s\n", v)
	}

	if v := getString(esc, "providerAmount"); v != "" {
		fmt.Fprintf(&sb, "  Settled: provider=%s refund=%s fee=%s USDC\n",
			v, getString(esc, "consumerRefund"), getString(esc, "platformFee"))
	}
	if v := getString(esc, "disputeReason"); v != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", v)
	}
	return sb.String()
}

// formatDeadline renders a timestamp field as RFC3339, skipping zero values.
func formatDeadline(m map[string]any, key string) string {
	s := getString(m, key)
	if s == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || ts.IsZero() {
		return ""
	}
	return ts.Format(time.RFC3339)
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []map[string]any `json:"escrows"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected escrows response format")
	}

	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s [%s] %s USDC, %s units\n",
			i+1, getString(e, "id"), getString(e, "status"),
			getString(e, "amount"), getString(e, "usageLimit"))
		fmt.Fprintf(&sb, "   %s -> %s\n", getString(e, "consumer"), getString(e, "provider"))
	}
	if resp.HasMore {
		sb.WriteString("\n(more results available; increase limit to see them)")
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Provider balance for %s:\n", getString(bal, "account"))
	fmt.Fprintf(&sb, "  Available: %s USDC\n", getString(bal, "available"))
	if v := getString(bal, "totalEarned"); v != "" {
		fmt.Fprintf(&sb, "  Lifetime earned: %s USDC\n", v)
	}
	if v := getString(bal, "totalWithdrawn"); v != "" {
		fmt.Fprintf(&sb, "  Withdrawn: %s USDC\n", v)
	}
	return sb.String(), nil
}

func formatOfferList(raw json.RawMessage) (string, error) {
	var resp struct {
		Offers []map[string]any `json:"offers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected offers response format")
	}

	if len(resp.Offers) == 0 {
		return "No offers found matching your criteria.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d offer(s):\n\n", len(resp.Offers))
	for i, o := range resp.Offers {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, getString(o, "label"), getString(o, "id"))
		fmt.Fprintf(&sb, "   %s USDC per unit, %s-%s units\n",
			getString(o, "pricePerUnit"), getString(o, "minUnits"), getString(o, "maxUnits"))
		fmt.Fprintf(&sb, "   Provider: %s\n", getString(o, "provider"))
		if desc := getString(o, "description"); desc != "" {
			fmt.Fprintf(&sb, "   %s\n", desc)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, rendering numbers too.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
