package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Image is one machine image returned by DescribeImages.
type Image struct {
	ImageID      string
	Name         string
	CreationDate time.Time
}

// ImageFilter narrows a DescribeImages query.
type ImageFilter struct {
	NamePattern string
	Owner       string
}

// Instance is the observed state of one compute instance.
type Instance struct {
	InstanceID string
	State      string
	LaunchTime time.Time
}

// RunInstanceInput describes exactly one instance to launch.
type RunInstanceInput struct {
	Name           string
	ImageID        string
	InstanceType   string
	UserData       string
	SecurityGroups []string
	KeyName        string
}

// Terminal instance states reported by the provider.
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateShuttingDown = "shutting-down"
	StateTerminated   = "terminated"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
)

type describeImagesResponse struct {
	Images []struct {
		ImageID      string `xml:"imageId"`
		Name         string `xml:"name"`
		CreationDate string `xml:"creationDate"`
	} `xml:"imagesSet>item"`
}

type runInstancesResponse struct {
	Instances []struct {
		InstanceID string `xml:"instanceId"`
		State      struct {
			Name string `xml:"name"`
		} `xml:"instanceState"`
		LaunchTime string `xml:"launchTime"`
	} `xml:"instancesSet>item"`
}

type describeInstancesResponse struct {
	Reservations []struct {
		Instances []struct {
			InstanceID string `xml:"instanceId"`
			State      struct {
				Name string `xml:"name"`
			} `xml:"instanceState"`
			LaunchTime string `xml:"launchTime"`
		} `xml:"instancesSet>item"`
	} `xml:"reservationSet>item"`
}

// DescribeImages lists images matching the filter. Order is as returned
// by the provider; callers sort by creation date themselves.
func (c *Client) DescribeImages(ctx context.Context, filter ImageFilter) ([]Image, error) {
	params := url.Values{}
	if strings.TrimSpace(filter.NamePattern) != "" {
		params.Set("Filter.1.Name", "name")
		params.Set("Filter.1.Value.1", strings.TrimSpace(filter.NamePattern))
	}
	if strings.TrimSpace(filter.Owner) != "" {
		params.Set("Owner.1", strings.TrimSpace(filter.Owner))
	}

	var resp describeImagesResponse
	if err := c.do(ctx, "DescribeImages", params, &resp); err != nil {
		return nil, err
	}

	images := make([]Image, 0, len(resp.Images))
	for _, item := range resp.Images {
		created, err := parseProviderTime(item.CreationDate)
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", item.ImageID, err)
		}
		images = append(images, Image{
			ImageID:      strings.TrimSpace(item.ImageID),
			Name:         strings.TrimSpace(item.Name),
			CreationDate: created,
		})
	}
	return images, nil
}

// RunInstance launches exactly one instance (MinCount and MaxCount are
// both pinned to 1).
func (c *Client) RunInstance(ctx context.Context, input RunInstanceInput) (Instance, error) {
	if strings.TrimSpace(input.ImageID) == "" {
		return Instance{}, errors.New("image id is required")
	}
	if strings.TrimSpace(input.InstanceType) == "" {
		return Instance{}, errors.New("instance type is required")
	}

	params := url.Values{}
	params.Set("ImageId", strings.TrimSpace(input.ImageID))
	params.Set("InstanceType", strings.TrimSpace(input.InstanceType))
	params.Set("MinCount", "1")
	params.Set("MaxCount", "1")
	if strings.TrimSpace(input.UserData) != "" {
		params.Set("UserData", base64.StdEncoding.EncodeToString([]byte(input.UserData)))
	}
	for i, group := range input.SecurityGroups {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		params.Set("SecurityGroup."+strconv.Itoa(i+1), group)
	}
	if strings.TrimSpace(input.KeyName) != "" {
		params.Set("KeyName", strings.TrimSpace(input.KeyName))
	}
	if strings.TrimSpace(input.Name) != "" {
		params.Set("TagSpecification.1.ResourceType", "instance")
		params.Set("TagSpecification.1.Tag.1.Key", "Name")
		params.Set("TagSpecification.1.Tag.1.Value", strings.TrimSpace(input.Name))
	}

	var resp runInstancesResponse
	if err := c.do(ctx, "RunInstances", params, &resp); err != nil {
		return Instance{}, err
	}
	if len(resp.Instances) == 0 {
		return Instance{}, errors.New("provider returned no instances")
	}

	item := resp.Instances[0]
	launched, _ := parseProviderTime(item.LaunchTime)
	return Instance{
		InstanceID: strings.TrimSpace(item.InstanceID),
		State:      strings.TrimSpace(item.State.Name),
		LaunchTime: launched,
	}, nil
}

// DescribeInstance returns the current state of one instance.
func (c *Client) DescribeInstance(ctx context.Context, instanceID string) (Instance, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return Instance{}, errors.New("instance id is required")
	}

	params := url.Values{}
	params.Set("InstanceId.1", instanceID)

	var resp describeInstancesResponse
	if err := c.do(ctx, "DescribeInstances", params, &resp); err != nil {
		return Instance{}, err
	}
	for _, reservation := range resp.Reservations {
		for _, item := range reservation.Instances {
			if strings.TrimSpace(item.InstanceID) != instanceID {
				continue
			}
			launched, _ := parseProviderTime(item.LaunchTime)
			return Instance{
				InstanceID: instanceID,
				State:      strings.TrimSpace(item.State.Name),
				LaunchTime: launched,
			}, nil
		}
	}
	return Instance{}, ErrInstanceNotFound
}

// TerminateInstance requests termination of one instance.
func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return errors.New("instance id is required")
	}
	params := url.Values{}
	params.Set("InstanceId.1", instanceID)
	return c.do(ctx, "TerminateInstances", params, nil)
}

func parseProviderTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", value)
}
