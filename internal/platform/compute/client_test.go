package compute

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		Endpoint: srv.URL,
		Region:   "eu-west-1",
		Credentials: Credentials{
			AccessKeyID:     "AKIDEXAMPLE",
			SecretAccessKey: "secret",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client
}

func TestDescribeImagesParsesResponse(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("Action"); got != "DescribeImages" {
			t.Fatalf("unexpected action %q", got)
		}
		if got := r.PostForm.Get("Filter.1.Value.1"); got != "base-image-*" {
			t.Fatalf("unexpected filter %q", got)
		}
		if got := r.PostForm.Get("Owner.1"); got != "vendor" {
			t.Fatalf("unexpected owner %q", got)
		}
		if r.Header.Get("Authorization") == "" {
			t.Fatal("expected signed request")
		}
		w.Write([]byte(`<DescribeImagesResponse>
			<imagesSet>
				<item><imageId>ami-1</imageId><name>base-image-a</name><creationDate>2024-03-01T00:00:00.000Z</creationDate></item>
				<item><imageId>ami-2</imageId><name>base-image-b</name><creationDate>2024-05-01T00:00:00.000Z</creationDate></item>
			</imagesSet>
		</DescribeImagesResponse>`))
	})

	images, err := client.DescribeImages(context.Background(), ImageFilter{NamePattern: "base-image-*", Owner: "vendor"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	if images[0].ImageID != "ami-1" {
		t.Fatalf("unexpected first image: %+v", images[0])
	}
	want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if !images[1].CreationDate.Equal(want) {
		t.Fatalf("unexpected creation date: %v", images[1].CreationDate)
	}
}

func TestRunInstancePinsSingleCount(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("MinCount"); got != "1" {
			t.Fatalf("MinCount = %q", got)
		}
		if got := r.PostForm.Get("MaxCount"); got != "1" {
			t.Fatalf("MaxCount = %q", got)
		}
		if got := r.PostForm.Get("SecurityGroup.1"); got != "pipeline-workers" {
			t.Fatalf("SecurityGroup.1 = %q", got)
		}
		if got := r.PostForm.Get("UserData"); got == "" {
			t.Fatal("expected base64 user data")
		}
		w.Write([]byte(`<RunInstancesResponse>
			<instancesSet>
				<item><instanceId>i-abc</instanceId><instanceState><name>pending</name></instanceState></item>
			</instancesSet>
		</RunInstancesResponse>`))
	})

	instance, err := client.RunInstance(context.Background(), RunInstanceInput{
		Name:           "cascade-run-1",
		ImageID:        "ami-1",
		InstanceType:   "t2.micro",
		UserData:       "#!/bin/bash\necho hi\n",
		SecurityGroups: []string{"pipeline-workers"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instance.InstanceID != "i-abc" || instance.State != "pending" {
		t.Fatalf("unexpected instance: %+v", instance)
	}
}

func TestRunInstanceRequiresImageAndType(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	})
	if _, err := client.RunInstance(context.Background(), RunInstanceInput{InstanceType: "t2.micro"}); err == nil {
		t.Fatal("expected error for missing image id")
	}
	if _, err := client.RunInstance(context.Background(), RunInstanceInput{ImageID: "ami-1"}); err == nil {
		t.Fatal("expected error for missing instance type")
	}
}

func TestDescribeInstanceMapsMissingID(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`<Response><Errors><Error><Code>InvalidInstanceID.NotFound</Code><Message>The instance ID 'i-missing' does not exist</Message></Error></Errors></Response>`))
	})

	_, err := client.DescribeInstance(context.Background(), "i-missing")
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestDoSurfacesAPIError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`<Response><Errors><Error><Code>UnauthorizedOperation</Code><Message>not allowed</Message></Error></Errors></Response>`))
	})

	err := client.TerminateInstance(context.Background(), "i-abc")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "UnauthorizedOperation" {
		t.Fatalf("unexpected code %q", apiErr.Code)
	}
}
