package binance

// ==================== ENUMS ====================

// PositionSide represents the position side for futures trading
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"  // One-way mode
	PositionSideLong  PositionSide = "LONG"  // Hedge mode long
	PositionSideShort PositionSide = "SHORT" // Hedge mode short
)

// FuturesOrderType represents order types for futures
type FuturesOrderType string

const (
	FuturesOrderTypeLimit            FuturesOrderType = "LIMIT"
	FuturesOrderTypeMarket           FuturesOrderType = "MARKET"
	FuturesOrderTypeStop             FuturesOrderType = "STOP"
	FuturesOrderTypeStopMarket       FuturesOrderType = "STOP_MARKET"
	FuturesOrderTypeTakeProfitMarket FuturesOrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce represents order time-in-force options
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceGTX TimeInForce = "GTX" // Good Till Crossing (Post Only)
)

// FuturesOrderStatus represents order status
type FuturesOrderStatus string

const (
	FuturesOrderStatusNew             FuturesOrderStatus = "NEW"
	FuturesOrderStatusPartiallyFilled FuturesOrderStatus = "PARTIALLY_FILLED"
	FuturesOrderStatusFilled          FuturesOrderStatus = "FILLED"
	FuturesOrderStatusCanceled        FuturesOrderStatus = "CANCELED"
	FuturesOrderStatusExpired         FuturesOrderStatus = "EXPIRED"
	FuturesOrderStatusRejected        FuturesOrderStatus = "REJECTED"
)

// WorkingType for TP/SL orders
type WorkingType string

const (
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
)

// ==================== ACCOUNT TYPES ====================

// FuturesAccountInfo represents futures account information
type FuturesAccountInfo struct {
	TotalInitialMargin    float64                  `json:"totalInitialMargin,string"`
	TotalMaintMargin      float64                  `json:"totalMaintMargin,string"`
	TotalWalletBalance    float64                  `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64                  `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64                  `json:"totalMarginBalance,string"`
	AvailableBalance      float64                  `json:"availableBalance,string"`
	UpdateTime            int64                    `json:"updateTime"`
	Assets                []FuturesAsset           `json:"assets"`
	Positions             []FuturesAccountPosition `json:"positions"`
}

// FuturesAsset represents an asset in futures account
type FuturesAsset struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"walletBalance,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	MarginBalance    float64 `json:"marginBalance,string"`
	AvailableBalance float64 `json:"availableBalance,string"`
}

// FuturesAccountPosition represents a position in account info
type FuturesAccountPosition struct {
	Symbol           string  `json:"symbol"`
	InitialMargin    float64 `json:"initialMargin,string"`
	MaintMargin      float64 `json:"maintMargin,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	PositionSide     string  `json:"positionSide"`
	PositionAmt      float64 `json:"positionAmt,string"`
	Notional         float64 `json:"notional,string"`
	UpdateTime       int64   `json:"updateTime"`
}

// ==================== POSITION TYPES ====================

// FuturesPosition represents a futures position from positionRisk endpoint
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	PositionSide     string  `json:"positionSide"`
	UpdateTime       int64   `json:"updateTime"`
}

// ==================== ORDER TYPES ====================

// FuturesOrderParams represents parameters for placing a regular futures order
type FuturesOrderParams struct {
	Symbol           string
	Side             string // BUY or SELL
	PositionSide     PositionSide
	Type             FuturesOrderType
	Quantity         string
	Price            string
	StopPrice        string
	TimeInForce      TimeInForce
	NewClientOrderId string
}

// FuturesOrder represents a futures order as returned by order, openOrders and allOrders
type FuturesOrder struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	TimeInForce   string  `json:"timeInForce"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	StopPrice     float64 `json:"stopPrice,string"`
	OrigType      string  `json:"origType"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// ==================== ALGO ORDER TYPES ====================

// AlgoType for algo orders
type AlgoType string

const (
	AlgoTypeConditional AlgoType = "CONDITIONAL"
)

// AlgoOrderStatus represents algo order status
type AlgoOrderStatus string

const (
	AlgoOrderStatusNew       AlgoOrderStatus = "NEW"
	AlgoOrderStatusTriggered AlgoOrderStatus = "TRIGGERED"
	AlgoOrderStatusFinished  AlgoOrderStatus = "FINISHED"
	AlgoOrderStatusCancelled AlgoOrderStatus = "CANCELLED"
	AlgoOrderStatusExpired   AlgoOrderStatus = "EXPIRED"
	AlgoOrderStatusRejected  AlgoOrderStatus = "REJECTED"
)

// AlgoOrderParams represents parameters for a conditional (algo) order.
// STOP_MARKET and TAKE_PROFIT_MARKET are only accepted on the algo endpoint.
type AlgoOrderParams struct {
	Symbol       string
	Side         string // BUY or SELL
	PositionSide PositionSide
	Type         FuturesOrderType
	Quantity     string
	Price        string // STOP (stop-limit) only
	TriggerPrice string
	TimeInForce  TimeInForce
	WorkingType  WorkingType
	ClientAlgoId string
}

// AlgoOrder represents an open or historical algo order
type AlgoOrder struct {
	AlgoId       int64   `json:"algoId"`
	ClientAlgoId string  `json:"clientAlgoId"`
	AlgoType     string  `json:"algoType"`
	OrderType    string  `json:"orderType"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	PositionSide string  `json:"positionSide"`
	AlgoStatus   string  `json:"algoStatus"`
	TriggerPrice float64 `json:"triggerPrice,string"`
	Price        float64 `json:"price,string"`
	Quantity     float64 `json:"quantity,string"`
	ExecutedQty  float64 `json:"executedQty,string"`
	WorkingType  string  `json:"workingType"`
	CreateTime   int64   `json:"createTime"`
	UpdateTime   int64   `json:"updateTime"`
	TriggerTime  int64   `json:"triggerTime"`
}

// ==================== MARKET DATA TYPES ====================

// TickerPrice is the latest trade price for a symbol
type TickerPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
	Time   int64   `json:"time"`
}

// LeverageResponse represents response from setting leverage
type LeverageResponse struct {
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
	Symbol           string `json:"symbol"`
}

// PositionModeResponse represents response from getting position mode
type PositionModeResponse struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

// ==================== SYMBOL INFO TYPES ====================

// FuturesSymbolFilter represents a filter from the symbol's filters array
type FuturesSymbolFilter struct {
	FilterType string `json:"filterType"`
	MinPrice   string `json:"minPrice,omitempty"`
	MaxPrice   string `json:"maxPrice,omitempty"`
	TickSize   string `json:"tickSize,omitempty"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
	Notional   string `json:"notional,omitempty"`
}

// FuturesSymbolInfo represents futures symbol information
type FuturesSymbolInfo struct {
	Symbol            string                `json:"symbol"`
	Status            string                `json:"status"`
	ContractType      string                `json:"contractType"`
	BaseAsset         string                `json:"baseAsset"`
	QuoteAsset        string                `json:"quoteAsset"`
	PricePrecision    int                   `json:"pricePrecision"`
	QuantityPrecision int                   `json:"quantityPrecision"`
	Filters           []FuturesSymbolFilter `json:"filters"`
}

// FuturesExchangeInfo represents futures exchange information
type FuturesExchangeInfo struct {
	ServerTime int64               `json:"serverTime"`
	Symbols    []FuturesSymbolInfo `json:"symbols"`
}
