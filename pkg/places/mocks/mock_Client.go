// Package mocks provides test doubles for the places client.
package mocks

import (
	"context"

	places "github.com/sells-group/lead-enrich/pkg/places"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SearchText provides a mock function with given fields: ctx, query, pageToken
func (_m *MockClient) SearchText(ctx context.Context, query string, pageToken string) (*places.SearchResponse, error) {
	ret := _m.Called(ctx, query, pageToken)

	if len(ret) == 0 {
		panic("no return value specified for SearchText")
	}

	var r0 *places.SearchResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, string) (*places.SearchResponse, error)); ok {
		return rf(ctx, query, pageToken)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, string) *places.SearchResponse); ok {
		r0 = rf(ctx, query, pageToken)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*places.SearchResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, string) error); ok {
		r1 = rf(ctx, query, pageToken)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// GetDetails provides a mock function with given fields: ctx, placeID
func (_m *MockClient) GetDetails(ctx context.Context, placeID string) (*places.Details, error) {
	ret := _m.Called(ctx, placeID)

	if len(ret) == 0 {
		panic("no return value specified for GetDetails")
	}

	var r0 *places.Details
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*places.Details, error)); ok {
		return rf(ctx, placeID)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) *places.Details); ok {
		r0 = rf(ctx, placeID)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*places.Details)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, placeID)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
