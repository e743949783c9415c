package claim

// FissClaim is the wire payload of an institutional claim.
type FissClaim struct {
	Dcn               string         `json:"dcn"`
	IntermediaryNb    string         `json:"intermediaryNb,omitempty"`
	Mbi               string         `json:"mbi"`
	CurrStatus        string         `json:"currStatus"`
	CurrLoc1          string         `json:"currLoc1"`
	CurrLoc2          string         `json:"currLoc2,omitempty"`
	MedaProvID        string         `json:"medaProvId,omitempty"`
	TotalChargeAmount string         `json:"totalChargeAmount"`
	ReceivedDate      string         `json:"receivedDate"`
	CurrTranDate      string         `json:"currTranDate,omitempty"`
	ProcCodes         []FissProcCode `json:"procCodes,omitempty"`
}

type FissProcCode struct {
	ProcCode string `json:"procCode"`
	ProcFlag string `json:"procFlag,omitempty"`
	ProcDate string `json:"procDate,omitempty"`
}

// McsClaim is the wire payload of a professional claim.
type McsClaim struct {
	IdrClmHdIcn     string      `json:"idrClmHdIcn"`
	IdrContrID      string      `json:"idrContrId"`
	IdrClaimMbi     string      `json:"idrClaimMbi"`
	IdrClaimType    string      `json:"idrClaimType"`
	IdrStatusCode   string      `json:"idrStatusCode"`
	IdrBillProvNum  string      `json:"idrBillProvNum,omitempty"`
	IdrTotBilledAmt string      `json:"idrTotBilledAmt"`
	IdrHdrFromDos   string      `json:"idrHdrFromDos"`
	Details         []McsDetail `json:"details,omitempty"`
}

type McsDetail struct {
	IdrDtlStatus   string `json:"idrDtlStatus"`
	IdrProcCode    string `json:"idrProcCode"`
	IdrDtlFromDate string `json:"idrDtlFromDate,omitempty"`
	IdrDtlToDate   string `json:"idrDtlToDate,omitempty"`
}
