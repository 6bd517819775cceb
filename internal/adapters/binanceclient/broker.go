package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// PlaceOrder submits the order with the engine order id as client order id.
// Binance order rejections come back as an unsuccessful ack.
func (c *Client) PlaceOrder(ctx context.Context, o *domain.Order) (*ports.OrderAck, error) {
	op := "PlaceOrder"
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(o.Symbol).
		Side(toSide(o.Side)).
		Quantity(o.Quantity.String()).
		NewClientOrderID(o.ID)
	if o.Type == domain.Limit {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(o.Price.Decimal.String())
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		if reason, rejected := rejection(err); rejected {
			c.logger.Warn(ctx, op+": order rejected", map[string]interface{}{"orderID": o.ID, "reason": reason})
			return &ports.OrderAck{Success: false, RejectReason: reason}, nil
		}
		return nil, c.handleError(ctx, err, op)
	}

	ack := &ports.OrderAck{Success: true, BrokerOrderNo: strconv.FormatInt(resp.OrderID, 10)}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"orderID": o.ID, "symbol": o.Symbol, "side": o.Side, "quantity": o.Quantity.String(),
		"brokerRef": ack.BrokerOrderNo, "status": string(resp.Status),
	})
	return ack, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, o *domain.Order) error {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": o.Symbol, "orderID": o.ID, "brokerRef": o.BrokerRef})

	svc := c.futuresClient.NewCancelOrderService().Symbol(o.Symbol)
	if id, err := strconv.ParseInt(o.BrokerRef, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(o.ID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": o.Symbol, "orderID": o.ID, "status": string(res.Status)})
	return nil
}

// ModifyOrder amends price and quantity of a resting limit order. Binance needs both, so the
// current values fill in whatever the request leaves unchanged.
func (c *Client) ModifyOrder(ctx context.Context, o *domain.Order, req domain.ModifyRequest) (*ports.OrderAck, error) {
	op := "ModifyOrder"
	qty := o.Quantity
	if !req.Quantity.IsZero() {
		qty = req.Quantity
	}
	price := o.Price.Decimal
	if req.Price.Valid {
		price = req.Price.Decimal
	}

	svc := c.futuresClient.NewModifyOrderService().
		Symbol(o.Symbol).
		Side(toSide(o.Side)).
		Quantity(qty.String()).
		Price(price.String())
	if id, err := strconv.ParseInt(o.BrokerRef, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(o.ID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		if reason, rejected := rejection(err); rejected {
			return &ports.OrderAck{Success: false, RejectReason: reason}, nil
		}
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"orderID": o.ID, "quantity": qty.String(), "price": price.String()})
	return &ports.OrderAck{Success: true, BrokerOrderNo: strconv.FormatInt(res.OrderID, 10)}, nil
}

// Positions returns every non-zero position of the account.
func (c *Client) Positions(ctx context.Context, accountID string) ([]ports.BrokerPosition, error) {
	op := "Positions"
	if accountID != c.accountID {
		return nil, nil
	}
	risks, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]ports.BrokerPosition, 0, len(risks))
	for _, r := range risks {
		pos, ok, err := translatePositionRisk(accountID, r)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

// rejection reports whether err is an order rejection the exchange made on business grounds.
func rejection(err error) (string, bool) {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && errors.Is(mapAPICode(apiErr.Code), ports.ErrOrderRejected) {
		return fmt.Sprintf("%d: %s", apiErr.Code, apiErr.Message), true
	}
	return "", false
}

func toSide(s domain.OrderSide) futures.SideType {
	if s == domain.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func fromSide(s futures.SideType) domain.OrderSide {
	if s == futures.SideTypeSell {
		return domain.Sell
	}
	return domain.Buy
}

func translatePositionRisk(accountID string, pos *futures.PositionRisk) (ports.BrokerPosition, bool, error) {
	if pos == nil {
		return ports.BrokerPosition{}, false, nil
	}
	qty, err := decimal.NewFromString(pos.PositionAmt)
	if err != nil {
		return ports.BrokerPosition{}, false, fmt.Errorf("parsing position amount '%s': %w", pos.PositionAmt, err)
	}
	if qty.IsZero() {
		return ports.BrokerPosition{}, false, nil
	}
	entry, err := decimal.NewFromString(pos.EntryPrice)
	if err != nil {
		return ports.BrokerPosition{}, false, fmt.Errorf("parsing entry price '%s': %w", pos.EntryPrice, err)
	}
	return ports.BrokerPosition{AccountID: accountID, Symbol: pos.Symbol, Quantity: qty, AvgCost: entry}, true, nil
}
