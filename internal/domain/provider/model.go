package provider

import "time"

// Kind is the provider role a profile belongs to.
type Kind string

const (
	KindParamedic Kind = "paramedic"
	KindDoctor    Kind = "doctor"
	KindLab       Kind = "lab"
)

// ServiceArea bounds where a provider travels. Empty fields do not
// constrain.
type ServiceArea struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Pincode string `json:"pincode,omitempty"`
}

// Availability is the declared weekly working window of a provider.
type Availability struct {
	Days        []string    `json:"days" validate:"required,min=1,dive,required"`
	StartTime   string      `json:"startTime" validate:"required,datetime=15:04"`
	EndTime     string      `json:"endTime" validate:"required,datetime=15:04"`
	ServiceArea ServiceArea `json:"serviceArea"`
}

// Provider is the profile stored at providers/{id}.
type Provider struct {
	ID           string       `json:"id"`
	Name         string       `json:"name" validate:"required"`
	Kind         Kind         `json:"kind" validate:"required,oneof=paramedic doctor lab"`
	Rating       float64      `json:"rating" validate:"gte=0,lte=5"`
	ServiceTypes []string     `json:"serviceTypes,omitempty"`
	Availability Availability `json:"availability"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Offers reports whether the provider declares serviceType. A provider
// without declared service types offers everything.
func (p *Provider) Offers(serviceType string) bool {
	if len(p.ServiceTypes) == 0 || serviceType == "" {
		return true
	}
	for _, st := range p.ServiceTypes {
		if st == serviceType {
			return true
		}
	}
	return false
}
